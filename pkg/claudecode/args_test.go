package claudecode

import (
	"reflect"
	"testing"
)

func TestNormalizeModel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"claude-sonnet-4", "sonnet-4"},
		{"claude-opus-4", "opus-4"},
		{"sonnet", "sonnet"},
		{"custom", "custom"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeModel(tt.in); got != tt.want {
			t.Errorf("NormalizeModel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildArgs_Minimal(t *testing.T) {
	args := BuildArgs(CommandRequest{Command: "list files"})

	want := []string{"claude", "-p", "list files", "--output-format", "stream-json", "--verbose"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("BuildArgs() = %v, want %v", args, want)
	}
}

func TestBuildArgs_Full(t *testing.T) {
	args := BuildArgs(CommandRequest{
		Command:         "refactor auth",
		Model:           "claude-sonnet-4",
		ResumeSessionID: "11111111-2222-3333-4444-555555555555",
		AllowedTools:    []string{"Read", "Grep"},
		DisallowedTools: []string{"Bash"},
		SkipPermissions: true,
		MCPConfig:       `{"mcpServers":{"search":{"type":"http","url":"http://localhost:3001"}}}`,
	})

	want := []string{
		"claude", "-p", "refactor auth",
		"--output-format", "stream-json", "--verbose",
		"--model", "sonnet-4",
		"--resume", "11111111-2222-3333-4444-555555555555",
		"--allowedTools", "Read,Grep",
		"--disallowedTools", "Bash",
		"--dangerously-skip-permissions",
		"--mcp-config", `{"mcpServers":{"search":{"type":"http","url":"http://localhost:3001"}}}`,
	}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("BuildArgs() = %v, want %v", args, want)
	}
}

func TestBuildArgs_OmitsEmptyOptions(t *testing.T) {
	args := BuildArgs(CommandRequest{
		Command: "hello",
		Model:   "custom",
	})

	want := []string{
		"claude", "-p", "hello",
		"--output-format", "stream-json", "--verbose",
		"--model", "custom",
	}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("BuildArgs() = %v, want %v", args, want)
	}

	for _, a := range args {
		if a == "--resume" || a == "--allowedTools" || a == "--disallowedTools" ||
			a == "--dangerously-skip-permissions" || a == "--mcp-config" {
			t.Errorf("unexpected flag %q in %v", a, args)
		}
	}
}
