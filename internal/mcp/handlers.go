package mcp

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/claudebox/claudebox/internal/auth"
	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/common/logger"
)

// Handlers serves /api/users/mcp-servers.
type Handlers struct {
	service *Service
	logger  *logger.Logger
}

// NewHandlers creates the MCP handlers.
func NewHandlers(svc *Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "mcp-handlers")),
	}
}

// RegisterRoutes mounts the MCP server endpoints on the authenticated group.
func (h *Handlers) RegisterRoutes(authed *gin.RouterGroup) {
	servers := authed.Group("/users/mcp-servers")
	servers.GET("", h.list)
	servers.POST("", h.create)
	servers.PUT("/:id", h.update)
	servers.DELETE("/:id", h.remove)
	servers.POST("/:id/test", h.test)
	servers.GET("/:id/tools", h.tools)
}

type serverRequest struct {
	Name    string          `json:"name" binding:"required"`
	Type    string          `json:"type" binding:"required"`
	Config  json.RawMessage `json:"config" binding:"required"`
	Enabled *bool           `json:"enabled"`
}

func (r *serverRequest) enabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

func (h *Handlers) list(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	records, err := h.service.List(c.Request.Context(), claims.UserID)
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to list mcp servers"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": records})
}

func (h *Handlers) create(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	var req serverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.New(apperrors.KindInternal, "invalid request body", http.StatusBadRequest))
		return
	}
	rec, err := h.service.Create(c.Request.Context(), &Record{
		UserID:  claims.UserID,
		Name:    req.Name,
		Type:    req.Type,
		Config:  req.Config,
		Enabled: req.enabled(),
	})
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to register mcp server"))
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handlers) update(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req serverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.New(apperrors.KindInternal, "invalid request body", http.StatusBadRequest))
		return
	}
	rec, err := h.service.Update(c.Request.Context(), &Record{
		ID:      id,
		UserID:  claims.UserID,
		Name:    req.Name,
		Type:    req.Type,
		Config:  req.Config,
		Enabled: req.enabled(),
	})
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to update mcp server"))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) remove(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), claims.UserID, id); err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to delete mcp server"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) test(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	result, err := h.service.Test(c.Request.Context(), claims.UserID, id)
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to test mcp server"))
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) tools(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	result, err := h.service.Tools(c.Request.Context(), claims.UserID, id)
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to list mcp tools"))
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.fail(c, apperrors.New(apperrors.KindInternal, "invalid server id", http.StatusBadRequest))
		return 0, false
	}
	return id, true
}

func (h *Handlers) fail(c *gin.Context, err *apperrors.AppError) {
	h.logger.Warn("mcp request failed", zap.String("kind", err.Kind), zap.Error(err))
	c.JSON(err.HTTPStatus, gin.H{"success": false, "error": err.Kind, "message": err.Message})
}
