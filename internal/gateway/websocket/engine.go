package websocket

import (
	"context"
	"io"

	"github.com/claudebox/claudebox/internal/sandbox/driver"
)

// Execer starts processes inside sandbox containers.
type Execer interface {
	Exec(ctx context.Context, engineID string, argv []string, opts driver.ExecOptions) (Stream, error)
}

// Stream is one attached exec: the agent's stdout pipeline or an
// interactive TTY.
type Stream interface {
	Stdin() io.Writer
	Stdout() io.Reader
	CloseWrite() error
	Close()
	Resize(ctx context.Context, rows, cols uint) error
	Wait(ctx context.Context) (int, error)
}

type engineExecer struct {
	driver *driver.Driver
}

// NewEngineExecer adapts the container driver to the gateway's Execer.
func NewEngineExecer(d *driver.Driver) Execer {
	return &engineExecer{driver: d}
}

func (e *engineExecer) Exec(ctx context.Context, engineID string, argv []string, opts driver.ExecOptions) (Stream, error) {
	s, err := e.driver.Exec(ctx, engineID, argv, opts)
	if err != nil {
		return nil, err
	}
	return &driverStream{s: s}, nil
}

type driverStream struct {
	s *driver.ExecStream
}

func (d *driverStream) Stdin() io.Writer  { return d.s.Stdin }
func (d *driverStream) Stdout() io.Reader { return d.s.Stdout }
func (d *driverStream) CloseWrite() error { return d.s.CloseWrite() }
func (d *driverStream) Close()            { d.s.Close() }

func (d *driverStream) Resize(ctx context.Context, rows, cols uint) error {
	return d.s.Resize(ctx, rows, cols)
}

func (d *driverStream) Wait(ctx context.Context) (int, error) {
	return d.s.Wait(ctx)
}
