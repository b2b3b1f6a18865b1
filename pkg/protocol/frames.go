// Package protocol defines the WebSocket wire frames exchanged between the
// browser client and the gateway. Every frame is a JSON object carrying a
// "type" discriminator; ParseInbound is the single place client frames are
// routed to their concrete types.
package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates the JSON frames on the wire.
type FrameType string

// Client-to-server frame types
const (
	FrameClaudeCommand FrameType = "claude-command"
	FrameShell         FrameType = "shell"
	FrameShellInput    FrameType = "shell-input"
	FrameShellResize   FrameType = "shell-resize"
	FrameAbortSession  FrameType = "abort-session"
)

// Server-to-client frame types
const (
	FrameReady                   FrameType = "ready"
	FrameSessionStart            FrameType = "session-start"
	FrameSessionCreated          FrameType = "session-created"
	FrameClaudeResponse          FrameType = "claude-response"
	FrameClaudeOutput            FrameType = "claude-output"
	FrameClaudeInteractivePrompt FrameType = "claude-interactive-prompt"
	FrameClaudeError             FrameType = "claude-error"
	FrameClaudeComplete          FrameType = "claude-complete"
	FrameTokenBudget             FrameType = "token-budget"
	FrameTodoWrite               FrameType = "TodoWrite"
	FrameSessionAborted          FrameType = "session-aborted"
	FrameProjectsUpdated         FrameType = "projects_updated"
	FrameShellOutput             FrameType = "shell-output"
	FrameShellExit               FrameType = "shell-exit"
	FrameError                   FrameType = "error"
)

// Inbound is implemented by all client-to-server frames.
type Inbound interface {
	inbound()
}

// ClaudeCommand runs one agent command in the user's sandbox.
type ClaudeCommand struct {
	Command string         `json:"command"`
	Options CommandOptions `json:"options"`
}

// CommandOptions carries the session routing for a command.
type CommandOptions struct {
	SessionID   string `json:"sessionId,omitempty"`
	ProjectPath string `json:"projectPath,omitempty"`
	Model       string `json:"model,omitempty"`
	Resume      bool   `json:"resume,omitempty"`
}

// Shell opens an interactive TTY in the sandbox.
type Shell struct {
	ProjectPath string `json:"projectPath,omitempty"`
	Cols        uint   `json:"cols,omitempty"`
	Rows        uint   `json:"rows,omitempty"`
}

// ShellInput carries raw terminal input.
type ShellInput struct {
	Data string `json:"data"`
}

// ShellResize updates the TTY dimensions.
type ShellResize struct {
	Cols uint `json:"cols"`
	Rows uint `json:"rows"`
}

// AbortSession kills the in-flight command of a session.
type AbortSession struct {
	SessionID string `json:"sessionId"`
}

func (*ClaudeCommand) inbound() {}
func (*Shell) inbound()         {}
func (*ShellInput) inbound()    {}
func (*ShellResize) inbound()   {}
func (*AbortSession) inbound()  {}

// UnknownFrameError reports an inbound frame type the gateway does not route.
type UnknownFrameError struct {
	Type string
}

func (e *UnknownFrameError) Error() string {
	return fmt.Sprintf("unknown frame type %q", e.Type)
}

// ParseInbound decodes a client frame into its concrete type.
func ParseInbound(data []byte) (Inbound, error) {
	var env struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var frame Inbound
	switch env.Type {
	case FrameClaudeCommand:
		frame = &ClaudeCommand{}
	case FrameShell:
		frame = &Shell{}
	case FrameShellInput:
		frame = &ShellInput{}
	case FrameShellResize:
		frame = &ShellResize{}
	case FrameAbortSession:
		frame = &AbortSession{}
	default:
		return nil, &UnknownFrameError{Type: string(env.Type)}
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
	}
	return frame, nil
}
