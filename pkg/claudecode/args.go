package claudecode

import "strings"

// Binary is the agent entrypoint inside the sandbox image.
const Binary = "claude"

// CommandRequest describes one print-mode agent invocation.
type CommandRequest struct {
	// Command is the user's prompt.
	Command string

	// Model is the client-facing model name; normalized before use.
	Model string

	// ResumeSessionID continues an existing agent session when set.
	ResumeSessionID string

	// Tool policy from the user's settings.
	AllowedTools    []string
	DisallowedTools []string
	SkipPermissions bool

	// MCPConfig is a JSON document describing the user's enabled MCP
	// servers, empty when there are none.
	MCPConfig string
}

// NormalizeModel maps the client-facing model name to the agent's
// identifier by stripping the "claude-" prefix. Names without the prefix,
// including "custom", pass through untouched.
func NormalizeModel(model string) string {
	return strings.TrimPrefix(model, "claude-")
}

// BuildArgs assembles the argv for one invocation. The stream-json output
// format is always requested so stdout can be decoded line by line.
func BuildArgs(req CommandRequest) []string {
	args := []string{Binary, "-p", req.Command, "--output-format", "stream-json", "--verbose"}

	if m := NormalizeModel(req.Model); m != "" {
		args = append(args, "--model", m)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if len(req.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(req.DisallowedTools, ","))
	}
	if req.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if req.MCPConfig != "" {
		args = append(args, "--mcp-config", req.MCPConfig)
	}

	return args
}
