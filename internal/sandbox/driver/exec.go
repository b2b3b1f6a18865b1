package driver

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"
)

// ExecOptions configures a process inside a sandbox.
type ExecOptions struct {
	WorkingDir string
	Env        []string
	TTY        bool
	Stdin      bool
}

// ExecStream is a live exec attachment. For TTY execs Stdout carries the raw
// terminal byte stream and Stderr is empty; for non-TTY execs the engine's
// multiplexed stream is split into the two pipes.
type ExecStream struct {
	ExecID string
	Stdin  io.Writer
	Stdout io.Reader
	Stderr io.Reader

	driver     *Driver
	tty        bool
	closeWrite func() error
	closeAll   func()
}

// Exec starts argv inside the container and attaches to it.
func (d *Driver) Exec(ctx context.Context, engineID string, argv []string, opts ExecOptions) (*ExecStream, error) {
	createResp, err := d.cli.ContainerExecCreate(ctx, engineID, container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   opts.WorkingDir,
		Env:          opts.Env,
		Tty:          opts.TTY,
		AttachStdin:  opts.Stdin,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, mapEngineErr(err, fmt.Sprintf("failed to create exec in container %s", shortID(engineID)))
	}

	attach, err := d.cli.ContainerExecAttach(ctx, createResp.ID, container.ExecStartOptions{Tty: opts.TTY})
	if err != nil {
		return nil, mapEngineErr(err, fmt.Sprintf("failed to attach exec %s", createResp.ID))
	}

	stream := &ExecStream{
		ExecID: createResp.ID,
		Stdin:  attach.Conn,
		driver: d,
		tty:    opts.TTY,
		closeWrite: func() error {
			return attach.CloseWrite()
		},
		closeAll: func() {
			attach.Close()
		},
	}

	if opts.TTY {
		stream.Stdout = attach.Reader
		stream.Stderr = emptyReader{}
	} else {
		stdoutR, stdoutW := io.Pipe()
		stderrR, stderrW := io.Pipe()
		stream.Stdout = stdoutR
		stream.Stderr = stderrR
		go func() {
			err := demultiplexStream(attach.Reader, stdoutW, stderrW)
			_ = stdoutW.CloseWithError(err)
			_ = stderrW.CloseWithError(err)
		}()
	}

	d.logger.Debug("exec started",
		zap.String("engine_id", shortID(engineID)),
		zap.String("exec_id", createResp.ID),
		zap.Bool("tty", opts.TTY))
	return stream, nil
}

// CloseWrite half-closes stdin, signalling EOF to the process.
func (s *ExecStream) CloseWrite() error {
	return s.closeWrite()
}

// Close tears the attachment down. The process may keep running; callers
// that need it gone stop the container instead.
func (s *ExecStream) Close() {
	s.closeAll()
}

// Resize adjusts the TTY dimensions. Only meaningful for TTY execs.
func (s *ExecStream) Resize(ctx context.Context, rows, cols uint) error {
	err := s.driver.cli.ContainerExecResize(ctx, s.ExecID, container.ResizeOptions{Height: rows, Width: cols})
	if err != nil {
		return mapEngineErr(err, fmt.Sprintf("failed to resize exec %s", s.ExecID))
	}
	return nil
}

// Wait polls until the process exits and returns its exit code. Call it
// after the output stream has drained.
func (s *ExecStream) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		inspect, err := s.driver.cli.ContainerExecInspect(ctx, s.ExecID)
		if err != nil {
			return -1, mapEngineErr(err, fmt.Sprintf("failed to inspect exec %s", s.ExecID))
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExecCapture runs argv to completion and returns combined stdout, stderr
// and the exit code. For short commands (MCP stdio probes, housekeeping).
func (d *Driver) ExecCapture(ctx context.Context, engineID string, argv []string, opts ExecOptions) (string, string, int, error) {
	opts.TTY = false
	opts.Stdin = false
	stream, err := d.Exec(ctx, engineID, argv, opts)
	if err != nil {
		return "", "", -1, err
	}
	defer stream.Close()

	outCh := make(chan []byte, 1)
	errCh := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(stream.Stdout)
		outCh <- data
	}()
	go func() {
		data, _ := io.ReadAll(stream.Stderr)
		errCh <- data
	}()

	var stdout, stderr []byte
	for i := 0; i < 2; i++ {
		select {
		case stdout = <-outCh:
		case stderr = <-errCh:
		case <-ctx.Done():
			return "", "", -1, ctx.Err()
		}
	}

	code, err := stream.Wait(ctx)
	if err != nil {
		return string(stdout), string(stderr), -1, err
	}
	return string(stdout), string(stderr), code, nil
}

// demultiplexStream splits the engine's multiplexed exec stream. Each frame
// carries an 8-byte header: stream type, three zero bytes, then a big-endian
// uint32 payload length.
func demultiplexStream(r io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		var dst io.Writer
		switch header[0] {
		case 2:
			dst = stderr
		default:
			dst = stdout
		}
		if _, err := io.CopyN(dst, r, int64(size)); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
