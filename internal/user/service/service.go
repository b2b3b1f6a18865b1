// Package service implements registration, login and settings management on
// top of the user store.
package service

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/claudebox/claudebox/internal/auth"
	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/common/logger"
	"github.com/claudebox/claudebox/internal/events"
	"github.com/claudebox/claudebox/internal/events/bus"
	"github.com/claudebox/claudebox/internal/sandbox/supervisor"
	"github.com/claudebox/claudebox/internal/user/models"
	"github.com/claudebox/claudebox/internal/user/store"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,32}$`)

const minPasswordLength = 8

// Service implements user operations.
type Service struct {
	store    *store.Store
	tokens   *auth.TokenManager
	eventBus bus.EventBus
	logger   *logger.Logger

	sandboxReady func(ctx context.Context, userID int64) bool
}

// NewService creates the user service. The readiness probe may be nil
// (login then reports containerReady=false).
func NewService(st *store.Store, tokens *auth.TokenManager, eventBus bus.EventBus, sandboxReady func(ctx context.Context, userID int64) bool, log *logger.Logger) *Service {
	return &Service{
		store:        st,
		tokens:       tokens,
		eventBus:     eventBus,
		sandboxReady: sandboxReady,
		logger:       log.WithFields(zap.String("component", "user-service")),
	}
}

// AuthResult carries a fresh token and its owner.
type AuthResult struct {
	User      *models.User
	Token     string
	ExpiresAt time.Time
}

// Register creates an account and signs it in.
func (s *Service) Register(ctx context.Context, username, password, tier string) (*AuthResult, error) {
	if !usernamePattern.MatchString(username) {
		return nil, apperrors.New(apperrors.KindInternal,
			"username must be 3-32 characters of letters, digits, underscore or dash", http.StatusBadRequest)
	}
	if len(password) < minPasswordLength {
		return nil, apperrors.New(apperrors.KindInternal,
			"password must be at least 8 characters", http.StatusBadRequest)
	}
	if tier == "" {
		tier = supervisor.DefaultTier
	}
	if _, err := supervisor.TierFor(tier); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, apperrors.Internal("failed to hash password", err)
	}
	user := &models.User{
		Username:     username,
		PasswordHash: hash,
		Tier:         tier,
	}
	if err := s.store.Create(ctx, user); err != nil {
		return nil, err
	}

	token, expires, err := s.tokens.Issue(user.ID, user.Username, user.Tier, user.IsAdmin)
	if err != nil {
		return nil, apperrors.Internal("failed to issue token", err)
	}
	s.logger.Info("user registered",
		zap.Int64("user_id", user.ID),
		zap.String("username", user.Username),
		zap.String("tier", user.Tier))
	return &AuthResult{User: user, Token: token, ExpiresAt: expires}, nil
}

// Login verifies credentials and issues a token. ContainerReady reports
// whether the user's sandbox is already running; provisioning is never
// triggered here, the WebSocket attach does that.
func (s *Service) Login(ctx context.Context, username, password string) (*AuthResult, bool, error) {
	user, err := s.store.GetByUsername(ctx, username)
	if err != nil {
		return nil, false, err
	}
	if user == nil {
		return nil, false, apperrors.InvalidCredentials()
	}
	ok, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, false, apperrors.InvalidCredentials()
	}

	token, expires, err := s.tokens.Issue(user.ID, user.Username, user.Tier, user.IsAdmin)
	if err != nil {
		return nil, false, apperrors.Internal("failed to issue token", err)
	}

	ready := s.sandboxReady != nil && s.sandboxReady(ctx, user.ID)
	return &AuthResult{User: user, Token: token, ExpiresAt: expires}, ready, nil
}

// Me returns the caller's account.
func (s *Service) Me(ctx context.Context, userID int64) (*models.User, error) {
	user, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperrors.New(apperrors.KindInternal, "user not found", http.StatusNotFound)
	}
	return user, nil
}

// Settings returns the user's saved settings for a provider, falling back
// to defaults when nothing was saved.
func (s *Service) Settings(ctx context.Context, userID int64, provider string) (*models.Settings, error) {
	if !models.KnownProvider(provider) {
		return nil, apperrors.UnknownProvider(provider)
	}
	settings, err := s.store.GetSettings(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return models.DefaultSettings(userID, provider), nil
	}
	return settings, nil
}

// Defaults returns the provider's factory settings.
func (s *Service) Defaults(userID int64, provider string) (*models.Settings, error) {
	if !models.KnownProvider(provider) {
		return nil, apperrors.UnknownProvider(provider)
	}
	return models.DefaultSettings(userID, provider), nil
}

// UpdateSettings saves the user's settings for a provider.
func (s *Service) UpdateSettings(ctx context.Context, settings *models.Settings) (*models.Settings, error) {
	if !models.KnownProvider(settings.Provider) {
		return nil, apperrors.UnknownProvider(settings.Provider)
	}
	if err := s.store.UpsertSettings(ctx, settings); err != nil {
		return nil, err
	}
	if s.eventBus != nil {
		_ = s.eventBus.Publish(ctx, events.UserSettingsUpdated, bus.NewEvent(events.UserSettingsUpdated, "user-service", map[string]interface{}{
			"user_id":  settings.UserID,
			"provider": settings.Provider,
		}))
	}
	return settings, nil
}

// ListUserIDs exposes the account list for admin fan-outs.
func (s *Service) ListUserIDs(ctx context.Context) ([]int64, error) {
	return s.store.ListUserIDs(ctx)
}

// Delete removes an account and its settings. Sandbox teardown and data
// removal are separate administrative steps owned by their components.
func (s *Service) Delete(ctx context.Context, userID int64) error {
	return s.store.Delete(ctx, userID)
}
