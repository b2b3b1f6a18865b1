// Package store keeps the session index in SQLite so listings survive
// restarts. The JSONL ledger stays the source of truth for content; these
// rows only locate and order it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/claudebox/claudebox/internal/db"
)

// Row is one indexed session.
type Row struct {
	ID            string    `db:"id" json:"id"`
	UserID        int64     `db:"user_id" json:"userId"`
	ProjectPath   string    `db:"project_path" json:"projectPath"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	LastMessageAt time.Time `db:"last_message_at" json:"lastMessageAt"`
}

// Store reads and writes the session index.
type Store struct {
	pool *db.Pool
}

// New creates the store and its schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		project_path TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_message_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id, last_message_at);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Upsert inserts or refreshes a session row.
func (s *Store) Upsert(ctx context.Context, row *Row) error {
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.LastMessageAt.IsZero() {
		row.LastMessageAt = now
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, project_path, created_at, last_message_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_path = excluded.project_path,
			last_message_at = excluded.last_message_at
	`, row.ID, row.UserID, row.ProjectPath, row.CreatedAt, row.LastMessageAt)
	return err
}

// Rename moves a row to its real ID, keeping timestamps.
func (s *Store) Rename(ctx context.Context, oldID, newID string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sessions SET id = ? WHERE id = ?`, newID, oldID)
	return err
}

// Get returns one session row, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*Row, error) {
	var row Row
	err := s.pool.Reader().GetContext(ctx, &row, `
		SELECT id, user_id, project_path, created_at, last_message_at
		FROM sessions WHERE id = ?
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ListByProject returns a user's sessions for one project, newest first.
func (s *Store) ListByProject(ctx context.Context, userID int64, projectPath string) ([]Row, error) {
	rows := []Row{}
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT id, user_id, project_path, created_at, last_message_at
		FROM sessions
		WHERE user_id = ? AND project_path = ?
		ORDER BY last_message_at DESC
	`, userID, projectPath)
	return rows, err
}

// TouchMessage refreshes the last-message timestamp.
func (s *Store) TouchMessage(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sessions SET last_message_at = ? WHERE id = ?`, at.UTC(), id)
	return err
}

// DeleteByUser removes every session row of one user.
func (s *Store) DeleteByUser(ctx context.Context, userID int64) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = ?`, userID)
	return err
}
