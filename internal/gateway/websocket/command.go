package websocket

import (
	"context"
	"encoding/json"
	"io"

	"go.uber.org/zap"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/sandbox/driver"
	"github.com/claudebox/claudebox/internal/session"
	"github.com/claudebox/claudebox/internal/user/models"
	"github.com/claudebox/claudebox/internal/workspace"
	"github.com/claudebox/claudebox/pkg/claudecode"
	"github.com/claudebox/claudebox/pkg/protocol"
)

// runCommand executes one agent command in the user's sandbox and streams
// its events back to the client. Runs on its own goroutine per frame; the
// session manager's busy check keeps commands serialized per session.
func (c *conn) runCommand(ctx context.Context, frame *protocol.ClaudeCommand) {
	projectPath := frame.Options.ProjectPath
	if projectPath == "" {
		projectPath = workspace.DefaultProject
	}
	resumeID := ""
	if frame.Options.Resume {
		resumeID = frame.Options.SessionID
	}

	// The client's temp- ID goes through as-is so abort and busy
	// detection key on the ID the client already holds.
	sessions := c.handler.cfg.Sessions
	sess, err := sessions.Start(ctx, c.userID, projectPath, frame.Options.SessionID)
	if err != nil {
		c.sendFrame(protocol.NewClaudeError(frame.Options.SessionID, apperrors.GetKind(err), err.Error()))
		return
	}
	c.setSession(sess.ID())
	sessions.SetActive(sess.ID(), true)

	// The command outlives the connection: a dropped client must not kill
	// a run mid-flight. Abort goes through the session manager's cancel.
	cmdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := sessions.BeginCommand(sess.ID(), cancel); err != nil {
		cancel()
		c.sendFrame(protocol.NewClaudeError(sess.ID(), apperrors.GetKind(err), err.Error()))
		return
	}

	if prompt, err := json.Marshal(map[string]string{"text": frame.Command}); err == nil {
		if err := sessions.Ingest(cmdCtx, sess.ID(), session.KindUser, prompt); err != nil {
			c.logger.Warn("prompt journal failed", zap.Error(err))
		}
	}

	argv, workingDir, err := c.buildInvocation(cmdCtx, frame, projectPath, resumeID)
	if err != nil {
		c.finishCommand(cmdCtx, sess, -1)
		c.sendFrame(protocol.NewClaudeError(sess.ID(), apperrors.GetKind(err), err.Error()))
		return
	}

	stream, err := c.handler.cfg.Engine.Exec(cmdCtx, c.engineID, argv, driver.ExecOptions{WorkingDir: workingDir})
	if err != nil {
		c.finishCommand(cmdCtx, sess, -1)
		c.sendFrame(protocol.NewClaudeError(sess.ID(), apperrors.GetKind(err), err.Error()))
		return
	}
	defer stream.Close()

	c.streamCommand(cmdCtx, sess, stream.Stdout(), stream.Wait)
}

// buildInvocation assembles the agent argv from the user's tool policy and
// MCP config. Settings failures degrade to defaults; a command should not
// die because the settings row was unreadable.
func (c *conn) buildInvocation(ctx context.Context, frame *protocol.ClaudeCommand, projectPath, resumeID string) ([]string, string, error) {
	req := claudecode.CommandRequest{
		Command:         frame.Command,
		Model:           frame.Options.Model,
		ResumeSessionID: resumeID,
	}

	if c.handler.cfg.Settings != nil {
		settings, err := c.handler.cfg.Settings.Settings(ctx, c.userID, models.ProviderClaude)
		if err != nil {
			c.logger.Warn("settings load failed, using defaults", zap.Error(err))
		} else {
			req.AllowedTools = settings.AllowedTools
			req.DisallowedTools = settings.DisallowedTools
			req.SkipPermissions = settings.SkipPermissions
		}
	}

	if c.handler.cfg.MCP != nil {
		mcpConfig, err := c.handler.cfg.MCP.ConfigJSON(ctx, c.userID)
		if err != nil {
			c.logger.Warn("mcp config load failed, running without servers", zap.Error(err))
		} else {
			req.MCPConfig = mcpConfig
		}
	}

	workingDir, err := c.handler.cfg.Workspace.ContainerProjectDir(c.userID, projectPath)
	if err != nil {
		return nil, "", err
	}
	return claudecode.BuildArgs(req), workingDir, nil
}

// streamCommand pumps the agent's stdout through the stream-json reader
// until EOF or abort, then settles the session.
func (c *conn) streamCommand(ctx context.Context, sess *session.Session, stdout io.Reader, wait func(context.Context) (int, error)) {
	reader := claudecode.NewReader(stdout,
		func(msg *claudecode.CLIMessage) { c.forwardEvent(ctx, sess, msg) },
		func(line string) { c.sendFrame(protocol.NewClaudeOutput(sess.ID(), line)) },
		c.logger)

	if err := reader.Run(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("agent stream failed", zap.Error(err))
	}

	exitCode := -1
	if ctx.Err() == nil {
		if code, err := wait(ctx); err == nil {
			exitCode = code
		}
	}

	c.finishCommand(ctx, sess, exitCode)
	c.sendFrame(protocol.NewClaudeComplete(sess.ID(), exitCode))
}

func (c *conn) finishCommand(ctx context.Context, sess *session.Session, exitCode int) {
	c.handler.cfg.Sessions.FinishCommand(context.WithoutCancel(ctx), sess.ID(), exitCode)
}

// forwardEvent routes one decoded agent event: the init event rebinds temp
// sessions to the agent-assigned ID, every event lands in the ledger, and
// the raw line is passed through to the client.
func (c *conn) forwardEvent(ctx context.Context, sess *session.Session, msg *claudecode.CLIMessage) {
	sessions := c.handler.cfg.Sessions

	if msg.Type == claudecode.MessageTypeSystem && msg.Subtype == claudecode.SubtypeInit && msg.SessionID != "" {
		if session.IsTempID(sess.ID()) {
			if err := sessions.Rebind(ctx, sess.ID(), msg.SessionID); err != nil {
				c.logger.Error("session rebind failed", zap.Error(err))
			} else {
				c.setSession(sess.ID())
			}
		}
		c.sendFrame(protocol.NewSessionCreated(sess.ID()))
	}

	sid := sess.ID()
	c.journalEvent(ctx, sid, msg)

	if block := msg.FindToolUse(claudecode.ToolTodoWrite); block != nil {
		if todos, err := json.Marshal(block.Input["todos"]); err == nil {
			c.sendFrame(protocol.NewTodoWrite(sid, todos))
		}
	}

	c.sendFrame(protocol.NewStream(protocol.FrameClaudeResponse, sid, msg.Raw))

	if msg.Type == claudecode.MessageTypeResult {
		if msg.Usage != nil {
			if usage, err := json.Marshal(msg.Usage); err == nil {
				c.sendFrame(protocol.NewStream(protocol.FrameTokenBudget, sid, usage))
			}
		}
		if msg.IsError {
			c.sendFrame(protocol.NewClaudeError(sid, "AgentError", msg.GetResultString()))
		}
	}
}

// journalEvent maps an agent event onto ledger records.
func (c *conn) journalEvent(ctx context.Context, sessionID string, msg *claudecode.CLIMessage) {
	sessions := c.handler.cfg.Sessions

	ingest := func(kind string, payload interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		if err := sessions.Ingest(ctx, sessionID, kind, data); err != nil {
			c.logger.Warn("ledger append failed", zap.String("kind", kind), zap.Error(err))
		}
	}

	switch msg.Type {
	case claudecode.MessageTypeAssistant:
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.GetContentBlocks() {
			switch block.Type {
			case "text":
				ingest(session.KindAssistant, map[string]string{"text": block.Text})
			case "thinking":
				ingest(session.KindThinking, map[string]string{"thinking": block.Thinking})
			case "tool_use":
				ingest(session.KindToolUse, block)
			}
		}
		if text := msg.Message.GetContentString(); text != "" {
			ingest(session.KindAssistant, map[string]string{"text": text})
		}

	case claudecode.MessageTypeUser:
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.GetContentBlocks() {
			if block.Type == "tool_result" {
				ingest(session.KindToolResult, block)
			}
		}

	case claudecode.MessageTypeResult:
		if msg.Usage != nil {
			ingest(session.KindTokenBudget, msg.Usage)
		}
		if msg.IsError {
			ingest(session.KindError, map[string]string{"message": msg.GetResultString()})
		}
	}
}
