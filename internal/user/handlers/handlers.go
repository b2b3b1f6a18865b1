// Package handlers exposes the auth and user settings HTTP surface.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/claudebox/claudebox/internal/auth"
	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/common/logger"
	"github.com/claudebox/claudebox/internal/user/models"
	"github.com/claudebox/claudebox/internal/user/service"
	"github.com/claudebox/claudebox/internal/workspace"
)

// Handlers serves /api/auth and /api/users.
type Handlers struct {
	service *service.Service
	logger  *logger.Logger
}

// NewHandlers creates the user handlers.
func NewHandlers(svc *service.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "user-handlers")),
	}
}

// RegisterRoutes mounts the public auth endpoints and the authenticated
// user endpoints.
func (h *Handlers) RegisterRoutes(public, authed *gin.RouterGroup) {
	public.POST("/auth/register", h.register)
	public.POST("/auth/login", h.login)

	users := authed.Group("/users")
	users.GET("/me", h.me)
	users.GET("/settings/:provider", h.getSettings)
	users.PUT("/settings/:provider", h.putSettings)
	users.GET("/settings/:provider/defaults", h.getDefaults)
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Tier     string `json:"tier"`
}

func (h *Handlers) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.New(apperrors.KindInternal, "invalid request body", http.StatusBadRequest))
		return
	}
	result, err := h.service.Register(c.Request.Context(), req.Username, req.Password, req.Tier)
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "registration failed"))
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":     result.Token,
		"expiresAt": result.ExpiresAt,
		"user":      result.User,
	})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handlers) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.New(apperrors.KindInternal, "invalid request body", http.StatusBadRequest))
		return
	}
	result, containerReady, err := h.service.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "login failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":          result.Token,
		"expiresAt":      result.ExpiresAt,
		"containerReady": containerReady,
		"workspacePath":  workspace.ContainerMount,
		"user":           result.User,
	})
}

func (h *Handlers) me(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	user, err := h.service.Me(c.Request.Context(), claims.UserID)
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to load user"))
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handlers) getSettings(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	settings, err := h.service.Settings(c.Request.Context(), claims.UserID, c.Param("provider"))
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to load settings"))
		return
	}
	c.JSON(http.StatusOK, settings)
}

type putSettingsRequest struct {
	AllowedTools    []string `json:"allowed_tools"`
	DisallowedTools []string `json:"disallowed_tools"`
	SkipPermissions bool     `json:"skip_permissions"`
}

func (h *Handlers) putSettings(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	var req putSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.New(apperrors.KindInternal, "invalid request body", http.StatusBadRequest))
		return
	}
	settings, err := h.service.UpdateSettings(c.Request.Context(), &models.Settings{
		UserID:          claims.UserID,
		Provider:        c.Param("provider"),
		AllowedTools:    req.AllowedTools,
		DisallowedTools: req.DisallowedTools,
		SkipPermissions: req.SkipPermissions,
	})
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to save settings"))
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *Handlers) getDefaults(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	settings, err := h.service.Defaults(claims.UserID, c.Param("provider"))
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to load defaults"))
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *Handlers) fail(c *gin.Context, err *apperrors.AppError) {
	h.logger.Warn("user request failed", zap.String("kind", err.Kind), zap.Error(err))
	c.JSON(err.HTTPStatus, gin.H{"success": false, "error": err.Kind, "message": err.Message})
}
