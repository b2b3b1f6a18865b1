package mcp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/db"
)

// Store persists MCP server records.
type Store struct {
	pool *db.Pool
}

// NewStore creates the store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize mcp schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mcp_servers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		config TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (user_id, name)
	);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Create inserts a record. A duplicate name for the same user is a 409.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	res, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO mcp_servers (user_id, name, type, config, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.UserID, rec.Name, rec.Type, string(rec.Config), rec.Enabled, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperrors.New(apperrors.KindInternal,
				fmt.Sprintf("mcp server %q already exists", rec.Name), http.StatusConflict)
		}
		return err
	}
	rec.ID, err = res.LastInsertId()
	return err
}

// Get returns one of the user's records, or nil.
func (s *Store) Get(ctx context.Context, userID, id int64) (*Record, error) {
	var rec Record
	err := s.pool.Reader().GetContext(ctx, &rec, `
		SELECT id, user_id, name, type, config, enabled, created_at, updated_at
		FROM mcp_servers WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// List returns the user's records, stable by name.
func (s *Store) List(ctx context.Context, userID int64) ([]Record, error) {
	records := []Record{}
	err := s.pool.Reader().SelectContext(ctx, &records, `
		SELECT id, user_id, name, type, config, enabled, created_at, updated_at
		FROM mcp_servers WHERE user_id = ? ORDER BY name
	`, userID)
	return records, err
}

// ListEnabled returns only the user's enabled records, for argv assembly.
func (s *Store) ListEnabled(ctx context.Context, userID int64) ([]Record, error) {
	records := []Record{}
	err := s.pool.Reader().SelectContext(ctx, &records, `
		SELECT id, user_id, name, type, config, enabled, created_at, updated_at
		FROM mcp_servers WHERE user_id = ? AND enabled = 1 ORDER BY name
	`, userID)
	return records, err
}

// Update rewrites a record in place.
func (s *Store) Update(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE mcp_servers
		SET name = ?, type = ?, config = ?, enabled = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, rec.Name, rec.Type, string(rec.Config), rec.Enabled, rec.UpdatedAt, rec.ID, rec.UserID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperrors.New(apperrors.KindInternal,
				fmt.Sprintf("mcp server %q already exists", rec.Name), http.StatusConflict)
		}
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.KindInternal, "mcp server not found", http.StatusNotFound)
	}
	return nil
}

// Delete removes one of the user's records.
func (s *Store) Delete(ctx context.Context, userID, id int64) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM mcp_servers WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.KindInternal, "mcp server not found", http.StatusNotFound)
	}
	return nil
}

// DeleteByUser removes every record of one user.
func (s *Store) DeleteByUser(ctx context.Context, userID int64) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM mcp_servers WHERE user_id = ?`, userID)
	return err
}
