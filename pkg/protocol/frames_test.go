package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseInbound_ClaudeCommand(t *testing.T) {
	data := []byte(`{
		"type": "claude-command",
		"command": "refactor the auth package",
		"options": {
			"sessionId": "sess-1",
			"projectPath": "my-workspace",
			"model": "claude-sonnet-4",
			"resume": true
		}
	}`)

	frame, err := ParseInbound(data)
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}

	cmd, ok := frame.(*ClaudeCommand)
	if !ok {
		t.Fatalf("ParseInbound() = %T, want *ClaudeCommand", frame)
	}
	if cmd.Command != "refactor the auth package" {
		t.Errorf("Command = %q", cmd.Command)
	}
	if cmd.Options.SessionID != "sess-1" {
		t.Errorf("Options.SessionID = %q", cmd.Options.SessionID)
	}
	if cmd.Options.ProjectPath != "my-workspace" {
		t.Errorf("Options.ProjectPath = %q", cmd.Options.ProjectPath)
	}
	if cmd.Options.Model != "claude-sonnet-4" {
		t.Errorf("Options.Model = %q", cmd.Options.Model)
	}
	if !cmd.Options.Resume {
		t.Error("Options.Resume = false, want true")
	}
}

func TestParseInbound_FrameTypes(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Inbound
	}{
		{
			name: "shell",
			data: `{"type":"shell","projectPath":"my-workspace","cols":120,"rows":40}`,
			want: &Shell{ProjectPath: "my-workspace", Cols: 120, Rows: 40},
		},
		{
			name: "shell-input",
			data: `{"type":"shell-input","data":"ls -la\r"}`,
			want: &ShellInput{Data: "ls -la\r"},
		},
		{
			name: "shell-resize",
			data: `{"type":"shell-resize","cols":80,"rows":24}`,
			want: &ShellResize{Cols: 80, Rows: 24},
		},
		{
			name: "abort-session",
			data: `{"type":"abort-session","sessionId":"sess-9"}`,
			want: &AbortSession{SessionID: "sess-9"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := ParseInbound([]byte(tt.data))
			if err != nil {
				t.Fatalf("ParseInbound() error = %v", err)
			}

			switch want := tt.want.(type) {
			case *Shell:
				got, ok := frame.(*Shell)
				if !ok {
					t.Fatalf("frame = %T, want *Shell", frame)
				}
				if *got != *want {
					t.Errorf("frame = %+v, want %+v", got, want)
				}
			case *ShellInput:
				got, ok := frame.(*ShellInput)
				if !ok {
					t.Fatalf("frame = %T, want *ShellInput", frame)
				}
				if *got != *want {
					t.Errorf("frame = %+v, want %+v", got, want)
				}
			case *ShellResize:
				got, ok := frame.(*ShellResize)
				if !ok {
					t.Fatalf("frame = %T, want *ShellResize", frame)
				}
				if *got != *want {
					t.Errorf("frame = %+v, want %+v", got, want)
				}
			case *AbortSession:
				got, ok := frame.(*AbortSession)
				if !ok {
					t.Fatalf("frame = %T, want *AbortSession", frame)
				}
				if *got != *want {
					t.Errorf("frame = %+v, want %+v", got, want)
				}
			}
		})
	}
}

func TestParseInbound_UnknownType(t *testing.T) {
	_, err := ParseInbound([]byte(`{"type":"telemetry","data":"x"}`))
	if err == nil {
		t.Fatal("expected error for unknown frame type")
	}

	var unknown *UnknownFrameError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %T, want *UnknownFrameError", err)
	}
	if unknown.Type != "telemetry" {
		t.Errorf("Type = %q, want %q", unknown.Type, "telemetry")
	}
}

func TestParseInbound_MalformedJSON(t *testing.T) {
	if _, err := ParseInbound([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}

	var unknown *UnknownFrameError
	_, err := ParseInbound([]byte(`{not json`))
	if errors.As(err, &unknown) {
		t.Error("malformed JSON should not report UnknownFrameError")
	}
}

func TestParseInbound_MissingType(t *testing.T) {
	_, err := ParseInbound([]byte(`{"command":"hello"}`))
	if err == nil {
		t.Fatal("expected error for missing type")
	}

	var unknown *UnknownFrameError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %T, want *UnknownFrameError", err)
	}
	if unknown.Type != "" {
		t.Errorf("Type = %q, want empty", unknown.Type)
	}
}

func TestOutbound_MarshalShapes(t *testing.T) {
	tests := []struct {
		name  string
		frame Outbound
		want  string
	}{
		{
			name:  "ready",
			frame: NewReady("abc123"),
			want:  `{"type":"ready","containerId":"abc123"}`,
		},
		{
			name:  "session-created",
			frame: NewSessionCreated("sess-1"),
			want:  `{"type":"session-created","sessionId":"sess-1"}`,
		},
		{
			name:  "claude-response",
			frame: NewStream(FrameClaudeResponse, "sess-1", json.RawMessage(`{"role":"assistant"}`)),
			want:  `{"type":"claude-response","sessionId":"sess-1","data":{"role":"assistant"}}`,
		},
		{
			name:  "claude-output",
			frame: NewClaudeOutput("sess-1", "npm warn deprecated"),
			want:  `{"type":"claude-output","sessionId":"sess-1","data":"npm warn deprecated"}`,
		},
		{
			name:  "TodoWrite",
			frame: NewTodoWrite("sess-1", json.RawMessage(`[{"content":"fix tests","status":"pending"}]`)),
			want:  `{"type":"TodoWrite","sessionId":"sess-1","todos":[{"content":"fix tests","status":"pending"}]}`,
		},
		{
			name:  "claude-error",
			frame: NewClaudeError("sess-1", "Busy", "a command is already running"),
			want:  `{"type":"claude-error","sessionId":"sess-1","error":"a command is already running","kind":"Busy"}`,
		},
		{
			name:  "claude-complete",
			frame: NewClaudeComplete("sess-1", 0),
			want:  `{"type":"claude-complete","sessionId":"sess-1","exitCode":0}`,
		},
		{
			name:  "session-aborted",
			frame: NewSessionAborted("sess-1"),
			want:  `{"type":"session-aborted","sessionId":"sess-1"}`,
		},
		{
			name:  "projects_updated",
			frame: NewProjectsUpdated([]string{"my-workspace", "api"}),
			want:  `{"type":"projects_updated","projects":["my-workspace","api"]}`,
		},
		{
			name:  "shell-output",
			frame: NewShellOutput("$ "),
			want:  `{"type":"shell-output","data":"$ "}`,
		},
		{
			name:  "shell-exit",
			frame: NewShellExit(130),
			want:  `{"type":"shell-exit","exitCode":130}`,
		},
		{
			name:  "error",
			frame: NewErrorFrame("ReadinessTimeout", "sandbox did not become ready"),
			want:  `{"type":"error","error":"ReadinessTimeout","message":"sandbox did not become ready"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.frame)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Marshal() = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestStream_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(NewStream(FrameSessionStart, "", nil))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"type":"session-start"}` {
		t.Errorf("Marshal() = %s", data)
	}
}
