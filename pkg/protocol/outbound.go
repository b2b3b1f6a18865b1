package protocol

import "encoding/json"

// Outbound is implemented by all server-to-client frames. The gateway's send
// channel is typed on it so nothing unmarshalable reaches the write pump.
type Outbound interface {
	outbound()
}

// Ready signals that the user's sandbox is running and the connection
// accepts commands.
type Ready struct {
	Type        FrameType `json:"type"`
	ContainerID string    `json:"containerId"`
}

// SessionCreated announces the agent-assigned session ID.
type SessionCreated struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"sessionId"`
}

// Stream forwards one agent event to the client unchanged. Used for
// claude-response, token-budget, session-start and claude-interactive-prompt
// frames, whose payload shape belongs to the agent runtime.
type Stream struct {
	Type      FrameType       `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClaudeOutput carries one raw, non-JSON output line from the agent.
type ClaudeOutput struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Data      string    `json:"data"`
}

// TodoWrite surfaces the agent's todo-list tool calls as a dedicated frame.
type TodoWrite struct {
	Type      FrameType       `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Todos     json.RawMessage `json:"todos,omitempty"`
}

// ClaudeError reports a command failure inline on a live connection.
type ClaudeError struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Error     string    `json:"error"`
	Kind      string    `json:"kind,omitempty"`
}

// ClaudeComplete signals that a command ran to completion.
type ClaudeComplete struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"sessionId"`
	ExitCode  int       `json:"exitCode"`
}

// SessionAborted acknowledges an abort.
type SessionAborted struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"sessionId"`
}

// ProjectsUpdated tells the client to refresh its project list.
type ProjectsUpdated struct {
	Type     FrameType `json:"type"`
	Projects []string  `json:"projects,omitempty"`
}

// ShellOutput carries raw terminal output.
type ShellOutput struct {
	Type FrameType `json:"type"`
	Data string    `json:"data"`
}

// ShellExit reports that the TTY process exited.
type ShellExit struct {
	Type     FrameType `json:"type"`
	ExitCode int       `json:"exitCode"`
}

// ErrorFrame reports a connection-scoped failure.
type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Error   string    `json:"error"`
	Message string    `json:"message,omitempty"`
}

func (*Ready) outbound()           {}
func (*SessionCreated) outbound()  {}
func (*Stream) outbound()          {}
func (*ClaudeOutput) outbound()    {}
func (*TodoWrite) outbound()       {}
func (*ClaudeError) outbound()     {}
func (*ClaudeComplete) outbound()  {}
func (*SessionAborted) outbound()  {}
func (*ProjectsUpdated) outbound() {}
func (*ShellOutput) outbound()     {}
func (*ShellExit) outbound()       {}
func (*ErrorFrame) outbound()      {}

// NewReady creates a ready frame.
func NewReady(containerID string) *Ready {
	return &Ready{Type: FrameReady, ContainerID: containerID}
}

// NewSessionCreated creates a session-created frame.
func NewSessionCreated(sessionID string) *SessionCreated {
	return &SessionCreated{Type: FrameSessionCreated, SessionID: sessionID}
}

// NewStream creates a pass-through frame of the given type.
func NewStream(t FrameType, sessionID string, data json.RawMessage) *Stream {
	return &Stream{Type: t, SessionID: sessionID, Data: data}
}

// NewClaudeOutput creates a claude-output frame.
func NewClaudeOutput(sessionID, line string) *ClaudeOutput {
	return &ClaudeOutput{Type: FrameClaudeOutput, SessionID: sessionID, Data: line}
}

// NewTodoWrite creates a TodoWrite frame.
func NewTodoWrite(sessionID string, todos json.RawMessage) *TodoWrite {
	return &TodoWrite{Type: FrameTodoWrite, SessionID: sessionID, Todos: todos}
}

// NewClaudeError creates a claude-error frame. Kind is one of the platform
// error kinds, message the human-readable cause.
func NewClaudeError(sessionID, kind, message string) *ClaudeError {
	return &ClaudeError{Type: FrameClaudeError, SessionID: sessionID, Error: message, Kind: kind}
}

// NewClaudeComplete creates a claude-complete frame.
func NewClaudeComplete(sessionID string, exitCode int) *ClaudeComplete {
	return &ClaudeComplete{Type: FrameClaudeComplete, SessionID: sessionID, ExitCode: exitCode}
}

// NewSessionAborted creates a session-aborted frame.
func NewSessionAborted(sessionID string) *SessionAborted {
	return &SessionAborted{Type: FrameSessionAborted, SessionID: sessionID}
}

// NewProjectsUpdated creates a projects_updated frame.
func NewProjectsUpdated(projects []string) *ProjectsUpdated {
	return &ProjectsUpdated{Type: FrameProjectsUpdated, Projects: projects}
}

// NewShellOutput creates a shell-output frame.
func NewShellOutput(data string) *ShellOutput {
	return &ShellOutput{Type: FrameShellOutput, Data: data}
}

// NewShellExit creates a shell-exit frame.
func NewShellExit(exitCode int) *ShellExit {
	return &ShellExit{Type: FrameShellExit, ExitCode: exitCode}
}

// NewErrorFrame creates an error frame from an error kind and message.
func NewErrorFrame(kind, message string) *ErrorFrame {
	return &ErrorFrame{Type: FrameError, Error: kind, Message: message}
}
