// Package websocket is the streaming gateway between browser clients and
// per-user sandboxes. One connection serves one authenticated user: it
// acquires the user's sandbox on attach, routes command frames into the
// agent runtime, bridges an interactive TTY, and replays session history.
package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/claudebox/claudebox/internal/auth"
	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/common/logger"
	"github.com/claudebox/claudebox/internal/events"
	"github.com/claudebox/claudebox/internal/events/bus"
	"github.com/claudebox/claudebox/internal/sandbox/supervisor"
	"github.com/claudebox/claudebox/internal/session"
	"github.com/claudebox/claudebox/internal/user/models"
	"github.com/claudebox/claudebox/internal/workspace"
	"github.com/claudebox/claudebox/pkg/protocol"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The token query parameter is the auth boundary; origins are
		// not restricted.
		return true
	},
}

// Sandbox acquires and tracks the user's container.
type Sandbox interface {
	Acquire(ctx context.Context, userID int64, tier string) (*supervisor.Handle, error)
	Touch(ctx context.Context, userID int64)
	Release(ctx context.Context, userID int64)
}

// SettingsSource loads the user's tool policy for a provider.
type SettingsSource interface {
	Settings(ctx context.Context, userID int64, provider string) (*models.Settings, error)
}

// MCPConfigSource assembles the user's MCP server config document.
type MCPConfigSource interface {
	ConfigJSON(ctx context.Context, userID int64) (string, error)
}

// Config wires the gateway's dependencies.
type Config struct {
	Tokens    *auth.TokenManager
	Sandbox   Sandbox
	Engine    Execer
	Sessions  *session.Manager
	Settings  SettingsSource
	MCP       MCPConfigSource
	Workspace *workspace.Manager
	Bus       bus.EventBus
	Logger    *logger.Logger
}

// Handler upgrades and serves WebSocket connections.
type Handler struct {
	cfg    Config
	logger *logger.Logger
}

// NewHandler creates the gateway handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		cfg:    cfg,
		logger: cfg.Logger.WithFields(zap.String("component", "ws-gateway")),
	}
}

// Handle upgrades the request, authenticates it, acquires the user's
// sandbox and runs the connection until the client goes away.
func (h *Handler) Handle(c *gin.Context) {
	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	claims, err := h.cfg.Tokens.Verify(connectionToken(c))
	if err != nil {
		h.logger.Warn("websocket auth rejected", zap.Error(err))
		closeWith(wsConn, gorillaws.ClosePolicyViolation, "Authentication failed")
		return
	}

	log := h.logger.WithFields(zap.Int64("user_id", claims.UserID))

	handle, err := h.cfg.Sandbox.Acquire(c.Request.Context(), claims.UserID, claims.Tier)
	if err != nil {
		log.Error("sandbox acquire failed", zap.Error(err))
		closeWith(wsConn, gorillaws.CloseInternalServerErr, apperrors.GetKind(err))
		return
	}

	cn := newConn(wsConn, h, claims.UserID, handle.EngineID, log)
	go cn.writePump()

	cn.sendFrame(protocol.NewReady(handle.EngineID))

	if sid := c.Query("sessionId"); sid != "" {
		cn.attach(c.Request.Context(), sid)
	}

	if h.cfg.Bus != nil {
		sub, err := h.cfg.Bus.Subscribe(events.BuildProjectsUpdatedSubject(claims.UserID), func(ctx context.Context, _ *bus.Event) error {
			projects, err := h.cfg.Workspace.ListProjects(claims.UserID)
			if err != nil {
				return err
			}
			cn.sendFrame(protocol.NewProjectsUpdated(projects))
			return nil
		})
		if err != nil {
			log.Warn("projects subscription failed", zap.Error(err))
		} else {
			cn.busSub = sub
		}
	}

	cn.readPump(c.Request.Context())
	cn.close()
}

// connectionToken reads the credential from the token query parameter,
// falling back to the Authorization header.
func connectionToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return header
}

func closeWith(conn *gorillaws.Conn, code int, reason string) {
	msg := gorillaws.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(gorillaws.CloseMessage, msg, deadline())
	_ = conn.Close()
}
