// Package rest serves the project, session history and sandbox status
// endpoints. Everything here is read-only; writes happen over the
// WebSocket gateway.
package rest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/claudebox/claudebox/internal/auth"
	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/common/logger"
	sandboxstore "github.com/claudebox/claudebox/internal/sandbox/store"
	"github.com/claudebox/claudebox/internal/session"
	"github.com/claudebox/claudebox/internal/workspace"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// SandboxStatus reads the user's persisted sandbox record.
type SandboxStatus interface {
	Status(ctx context.Context, userID int64) (*sandboxstore.Record, error)
}

// Handlers serves /api/projects and /api/sandbox.
type Handlers struct {
	workspace *workspace.Manager
	sessions  *session.Manager
	sandbox   SandboxStatus
	logger    *logger.Logger
}

// NewHandlers creates the REST handlers.
func NewHandlers(ws *workspace.Manager, sessions *session.Manager, sandbox SandboxStatus, log *logger.Logger) *Handlers {
	return &Handlers{
		workspace: ws,
		sessions:  sessions,
		sandbox:   sandbox,
		logger:    log.WithFields(zap.String("component", "rest-handlers")),
	}
}

// RegisterRoutes mounts the read endpoints on the authenticated group.
func (h *Handlers) RegisterRoutes(authed *gin.RouterGroup) {
	authed.GET("/projects", h.listProjects)
	authed.GET("/projects/:name/sessions", h.listSessions)
	authed.GET("/projects/:name/sessions/:id/messages", h.listMessages)
	authed.GET("/sandbox/status", h.sandboxStatus)
}

func (h *Handlers) listProjects(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	projects, err := h.workspace.ListProjects(claims.UserID)
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to list projects"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *Handlers) listSessions(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	rows, err := h.sessions.ListByProject(c.Request.Context(), claims.UserID, c.Param("name"))
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to list sessions"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": rows})
}

func (h *Handlers) listMessages(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	limit := queryInt(c, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	records, total, err := h.sessions.Messages(c.Request.Context(), claims.UserID, c.Param("id"), limit, offset)
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to load messages"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": records,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (h *Handlers) sandboxStatus(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	record, err := h.sandbox.Status(c.Request.Context(), claims.UserID)
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to load sandbox status"))
		return
	}
	if record == nil {
		c.JSON(http.StatusOK, gin.H{"status": "absent"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func (h *Handlers) fail(c *gin.Context, err *apperrors.AppError) {
	h.logger.Warn("rest request failed", zap.String("kind", err.Kind), zap.Error(err))
	c.JSON(err.HTTPStatus, gin.H{"success": false, "error": err.Kind, "message": err.Message})
}
