package claudecode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"go.uber.org/zap"

	"github.com/claudebox/claudebox/internal/common/logger"
)

// EventHandler receives each decoded stream-json message, in stream order.
type EventHandler func(msg *CLIMessage)

// RawHandler receives stdout lines that are not stream-json events
// (startup banners, npm noise, stray prints).
type RawHandler func(line string)

// Reader consumes the agent's NDJSON stdout stream. Run is synchronous and
// single-goroutine: a blocking handler pauses the read, which is how
// downstream backpressure propagates to the exec stream.
type Reader struct {
	r       io.Reader
	onEvent EventHandler
	onRaw   RawHandler
	logger  *logger.Logger
}

// NewReader creates a reader over the exec stdout stream. Either handler
// may be nil.
func NewReader(r io.Reader, onEvent EventHandler, onRaw RawHandler, log *logger.Logger) *Reader {
	return &Reader{
		r:       r,
		onEvent: onEvent,
		onRaw:   onRaw,
		logger:  log.WithFields(zap.String("component", "claudecode-reader")),
	}
}

// Run scans until EOF or context cancellation. Returns nil on EOF.
func (rd *Reader) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(rd.r)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		rd.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		rd.logger.Error("stream read failed", zap.Error(err))
		return err
	}
	return nil
}

func (rd *Reader) handleLine(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil || msg.Type == "" {
		if rd.onRaw != nil {
			rd.onRaw(string(line))
		}
		return
	}

	rd.logger.Debug("parsed agent event",
		zap.String("type", msg.Type),
		zap.String("subtype", msg.Subtype),
		zap.String("session_id", msg.SessionID))

	msg.Raw = append(json.RawMessage(nil), line...)
	if rd.onEvent != nil {
		rd.onEvent(&msg)
	}
}
