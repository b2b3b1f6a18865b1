package extensions

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/common/logger"
)

// UserLister enumerates the registered users for the sync-all fan-out.
type UserLister interface {
	ListUserIDs(ctx context.Context) ([]int64, error)
}

// Handlers exposes the extension admin surface.
type Handlers struct {
	syncer *Syncer
	users  UserLister
	logger *logger.Logger
}

// NewHandlers creates the extension handlers.
func NewHandlers(syncer *Syncer, users UserLister, log *logger.Logger) *Handlers {
	return &Handlers{
		syncer: syncer,
		users:  users,
		logger: log.WithFields(zap.String("component", "extensions-handlers")),
	}
}

// RegisterRoutes mounts the extension endpoints. The admin middleware
// guards the mutating routes.
func (h *Handlers) RegisterRoutes(api *gin.RouterGroup, admin gin.HandlerFunc) {
	api.GET("/extensions", h.list)
	api.POST("/extensions/sync-all", admin, h.syncAll)
	api.POST("/extensions/sync-user", admin, h.syncUser)
}

func (h *Handlers) list(c *gin.Context) {
	inv, err := h.syncer.List()
	if err != nil {
		h.fail(c, apperrors.Internal("failed to list extension bundle", err))
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (h *Handlers) syncAll(c *gin.Context) {
	var opts Options
	if err := c.ShouldBindJSON(&opts); err != nil && c.Request.ContentLength > 0 {
		h.fail(c, apperrors.New(apperrors.KindInternal, "invalid request body", http.StatusBadRequest))
		return
	}

	userIDs, err := h.users.ListUserIDs(c.Request.Context())
	if err != nil {
		h.fail(c, apperrors.Internal("failed to list users", err))
		return
	}

	report := h.syncer.SyncAll(c.Request.Context(), userIDs, opts)
	c.JSON(http.StatusOK, report)
}

type syncUserRequest struct {
	UserID             int64 `json:"userId" binding:"required"`
	OverwriteUserFiles bool  `json:"overwriteUserFiles"`
}

func (h *Handlers) syncUser(c *gin.Context) {
	var req syncUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.New(apperrors.KindInternal, "invalid request body", http.StatusBadRequest))
		return
	}

	if err := h.syncer.SyncOne(c.Request.Context(), req.UserID, Options{OverwriteUserFiles: req.OverwriteUserFiles}); err != nil {
		h.fail(c, apperrors.Wrap(err, "sync failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "userId": req.UserID})
}

func (h *Handlers) fail(c *gin.Context, err *apperrors.AppError) {
	h.logger.Warn("extension request failed", zap.String("kind", err.Kind), zap.Error(err))
	c.JSON(err.HTTPStatus, gin.H{"success": false, "error": err.Kind, "message": err.Message})
}
