// Package store persists user accounts and per-provider settings.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/db"
	"github.com/claudebox/claudebox/internal/user/models"
)

// Store reads and writes user rows.
type Store struct {
	pool *db.Pool
}

// New creates the store and its schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize user schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT 'free',
		is_admin INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS user_settings (
		user_id INTEGER NOT NULL,
		provider TEXT NOT NULL,
		allowed_tools TEXT NOT NULL DEFAULT '[]',
		disallowed_tools TEXT NOT NULL DEFAULT '[]',
		skip_permissions INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, provider),
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Create inserts a new user. A taken username surfaces as a 409.
func (s *Store) Create(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	res, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO users (username, password_hash, tier, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, user.Username, user.PasswordHash, user.Tier, user.IsAdmin, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.New(apperrors.KindInternal,
				fmt.Sprintf("username %q already taken", user.Username), http.StatusConflict)
		}
		return err
	}
	user.ID, err = res.LastInsertId()
	return err
}

// GetByUsername returns a user by login name, or nil.
func (s *Store) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := s.pool.Reader().GetContext(ctx, &user, `
		SELECT id, username, password_hash, tier, is_admin, created_at
		FROM users WHERE username = ?
	`, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// GetByID returns a user by ID, or nil.
func (s *Store) GetByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := s.pool.Reader().GetContext(ctx, &user, `
		SELECT id, username, password_hash, tier, is_admin, created_at
		FROM users WHERE id = ?
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// ListUserIDs enumerates every account, for fan-outs like extension sync.
func (s *Store) ListUserIDs(ctx context.Context) ([]int64, error) {
	ids := []int64{}
	err := s.pool.Reader().SelectContext(ctx, &ids, `SELECT id FROM users ORDER BY id`)
	return ids, err
}

// settingsRow is the storage shape; tool lists are JSON text columns.
type settingsRow struct {
	UserID          int64     `db:"user_id"`
	Provider        string    `db:"provider"`
	AllowedTools    string    `db:"allowed_tools"`
	DisallowedTools string    `db:"disallowed_tools"`
	SkipPermissions bool      `db:"skip_permissions"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// GetSettings returns a user's settings for one provider, or nil when the
// user never saved any.
func (s *Store) GetSettings(ctx context.Context, userID int64, provider string) (*models.Settings, error) {
	var row settingsRow
	err := s.pool.Reader().GetContext(ctx, &row, `
		SELECT user_id, provider, allowed_tools, disallowed_tools, skip_permissions, updated_at
		FROM user_settings WHERE user_id = ? AND provider = ?
	`, userID, provider)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	settings := &models.Settings{
		UserID:          row.UserID,
		Provider:        row.Provider,
		SkipPermissions: row.SkipPermissions,
		UpdatedAt:       row.UpdatedAt,
		AllowedTools:    []string{},
		DisallowedTools: []string{},
	}
	if err := json.Unmarshal([]byte(row.AllowedTools), &settings.AllowedTools); err != nil {
		return nil, fmt.Errorf("corrupt allowed_tools for user %d: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(row.DisallowedTools), &settings.DisallowedTools); err != nil {
		return nil, fmt.Errorf("corrupt disallowed_tools for user %d: %w", userID, err)
	}
	return settings, nil
}

// UpsertSettings saves a user's settings for one provider.
func (s *Store) UpsertSettings(ctx context.Context, settings *models.Settings) error {
	allowed, err := json.Marshal(orEmpty(settings.AllowedTools))
	if err != nil {
		return err
	}
	disallowed, err := json.Marshal(orEmpty(settings.DisallowedTools))
	if err != nil {
		return err
	}
	settings.UpdatedAt = time.Now().UTC()
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO user_settings (user_id, provider, allowed_tools, disallowed_tools, skip_permissions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			allowed_tools = excluded.allowed_tools,
			disallowed_tools = excluded.disallowed_tools,
			skip_permissions = excluded.skip_permissions,
			updated_at = excluded.updated_at
	`, settings.UserID, settings.Provider, string(allowed), string(disallowed), settings.SkipPermissions, settings.UpdatedAt)
	return err
}

// Delete removes a user and their settings in one transaction.
func (s *Store) Delete(ctx context.Context, userID int64) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_settings WHERE user_id = ?`, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func orEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
