package websocket

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/sandbox/driver"
	"github.com/claudebox/claudebox/internal/workspace"
	"github.com/claudebox/claudebox/pkg/protocol"
)

// openShell starts a login shell TTY in the sandbox and bridges its raw
// byte stream over shell-output frames. One shell per connection; opening
// a second one replaces the first.
func (c *conn) openShell(ctx context.Context, frame *protocol.Shell) {
	project := frame.ProjectPath
	if project == "" {
		project = workspace.DefaultProject
	}
	workingDir, err := c.handler.cfg.Workspace.ContainerProjectDir(c.userID, project)
	if err != nil {
		c.sendFrame(protocol.NewErrorFrame(apperrors.GetKind(err), err.Error()))
		return
	}

	c.mu.Lock()
	if c.shell != nil {
		c.shell.Close()
		c.shell = nil
	}
	c.mu.Unlock()

	shellCtx := context.WithoutCancel(ctx)
	stream, err := c.handler.cfg.Engine.Exec(shellCtx, c.engineID, []string{"/bin/bash", "-l"}, driver.ExecOptions{
		TTY:        true,
		Stdin:      true,
		WorkingDir: workingDir,
		Env:        []string{"TERM=xterm-256color"},
	})
	if err != nil {
		c.sendFrame(protocol.NewErrorFrame(apperrors.GetKind(err), err.Error()))
		return
	}

	if frame.Cols > 0 && frame.Rows > 0 {
		if err := stream.Resize(shellCtx, frame.Rows, frame.Cols); err != nil {
			c.logger.Warn("initial tty resize failed", zap.Error(err))
		}
	}

	c.mu.Lock()
	c.shell = stream
	c.mu.Unlock()

	go c.pumpShell(shellCtx, stream)
}

func (c *conn) pumpShell(ctx context.Context, stream Stream) {
	buf := make([]byte, 4096)
	for {
		n, err := stream.Stdout().Read(buf)
		if n > 0 {
			c.sendFrame(protocol.NewShellOutput(string(buf[:n])))
		}
		if err != nil {
			break
		}
	}

	exitCode := 0
	if code, err := stream.Wait(ctx); err == nil {
		exitCode = code
	}
	c.sendFrame(protocol.NewShellExit(exitCode))

	c.mu.Lock()
	if c.shell == stream {
		c.shell = nil
	}
	c.mu.Unlock()
	stream.Close()
}

func (c *conn) shellInput(frame *protocol.ShellInput) {
	c.mu.Lock()
	shell := c.shell
	c.mu.Unlock()
	if shell == nil {
		c.sendFrame(protocol.NewErrorFrame("NoShell", "no shell is open"))
		return
	}
	if _, err := shell.Stdin().Write([]byte(frame.Data)); err != nil {
		c.logger.Warn("shell input write failed", zap.Error(err))
	}
}

func (c *conn) shellResize(ctx context.Context, frame *protocol.ShellResize) {
	c.mu.Lock()
	shell := c.shell
	c.mu.Unlock()
	if shell == nil {
		return
	}
	if err := shell.Resize(ctx, frame.Rows, frame.Cols); err != nil {
		c.logger.Warn("tty resize failed", zap.Error(err))
	}
}
