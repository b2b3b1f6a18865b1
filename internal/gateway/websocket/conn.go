package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/common/logger"
	"github.com/claudebox/claudebox/internal/events/bus"
	"github.com/claudebox/claudebox/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 54 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024

	// Outbound frames buffered per connection before backpressure kicks in
	sendBuffer = 256

	// How long a full send buffer may stall before the client is dropped
	drainTimeout = 30 * time.Second

	// Ledger records replayed when a client attaches to a session
	replayDepth = 50
)

// conn is one authenticated WebSocket connection.
type conn struct {
	ws       *gorillaws.Conn
	handler  *Handler
	userID   int64
	engineID string

	send chan []byte
	done chan struct{}
	once sync.Once
	slow atomic.Bool

	busSub bus.Subscription

	mu        sync.Mutex
	shell     Stream
	sessionID string

	logger *logger.Logger
}

func newConn(ws *gorillaws.Conn, h *Handler, userID int64, engineID string, log *logger.Logger) *conn {
	return &conn{
		ws:       ws,
		handler:  h,
		userID:   userID,
		engineID: engineID,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		logger:   log,
	}
}

func deadline() time.Time {
	return time.Now().Add(writeWait)
}

// sendFrame queues one outbound frame. When the buffer stays full past the
// drain timeout the client is considered gone and the connection is closed;
// in-flight commands keep journaling without it.
func (c *conn) sendFrame(frame protocol.Outbound) bool {
	if c.slow.Load() {
		return false
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("frame marshal failed", zap.Error(err))
		return false
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
	}

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		c.closeSlow()
		return false
	}
}

func (c *conn) closeSlow() {
	if !c.slow.CompareAndSwap(false, true) {
		return
	}
	c.logger.Warn("client too slow, dropping connection")
	msg := gorillaws.FormatCloseMessage(gorillaws.CloseTryAgainLater, "client not draining")
	_ = c.ws.WriteControl(gorillaws.CloseMessage, msg, deadline())
	c.close()
}

// close tears the connection down once: the attached session goes inactive
// so the idle sweeper can reclaim the sandbox, the shell TTY dies with the
// connection, and the sandbox's activity clock is bumped one last time.
func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		if c.busSub != nil {
			_ = c.busSub.Unsubscribe()
		}

		c.mu.Lock()
		shell := c.shell
		c.shell = nil
		sid := c.sessionID
		c.mu.Unlock()

		if shell != nil {
			shell.Close()
		}
		if sid != "" {
			c.handler.cfg.Sessions.SetActive(sid, false)
		}
		c.handler.cfg.Sandbox.Release(context.Background(), c.userID)
		_ = c.ws.Close()
	})
}

func (c *conn) setSession(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// attach binds the connection to an existing session and replays its tail
// so the client can render history before new output arrives.
func (c *conn) attach(ctx context.Context, sessionID string) {
	records, err := c.handler.cfg.Sessions.Tail(c.userID, sessionID, replayDepth)
	if err != nil {
		c.sendFrame(protocol.NewErrorFrame(apperrors.GetKind(err), err.Error()))
		return
	}
	c.setSession(sessionID)
	c.handler.cfg.Sessions.SetActive(sessionID, true)

	for i := range records {
		data, err := json.Marshal(&records[i])
		if err != nil {
			continue
		}
		c.sendFrame(protocol.NewStream(protocol.FrameClaudeResponse, sessionID, data))
	}
}

// readPump consumes client frames until the connection drops.
func (c *conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseNormalClosure, gorillaws.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}
		c.handler.cfg.Sandbox.Touch(ctx, c.userID)
		c.dispatch(ctx, data)
	}
}

func (c *conn) dispatch(ctx context.Context, data []byte) {
	frame, err := protocol.ParseInbound(data)
	if err != nil {
		var unknown *protocol.UnknownFrameError
		if errors.As(err, &unknown) {
			c.logger.Warn("dropping unroutable frame", zap.String("frame_type", unknown.Type))
			return
		}
		c.sendFrame(protocol.NewErrorFrame("BadFrame", err.Error()))
		return
	}

	switch f := frame.(type) {
	case *protocol.ClaudeCommand:
		go c.runCommand(ctx, f)
	case *protocol.Shell:
		c.openShell(ctx, f)
	case *protocol.ShellInput:
		c.shellInput(f)
	case *protocol.ShellResize:
		c.shellResize(ctx, f)
	case *protocol.AbortSession:
		c.abortSession(ctx, f)
	}
}

func (c *conn) abortSession(ctx context.Context, frame *protocol.AbortSession) {
	if err := c.handler.cfg.Sessions.Abort(ctx, frame.SessionID); err != nil {
		c.sendFrame(protocol.NewClaudeError(frame.SessionID, apperrors.GetKind(err), err.Error()))
		return
	}
	c.sendFrame(protocol.NewSessionAborted(frame.SessionID))
}

// writePump drains the send buffer to the socket and keeps the connection
// alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(deadline())
			if !ok {
				_ = c.ws.WriteMessage(gorillaws.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}

		case <-c.done:
			return

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(deadline())
			if err := c.ws.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
