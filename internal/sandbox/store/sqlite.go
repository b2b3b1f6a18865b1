// Package store persists sandbox records and resource metric samples.
//
// The sandboxes table is the durable side of the supervisor's in-memory
// registry: one row per user, keyed by user_id, surviving restarts so
// reconcile can match engine containers back to their owners.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/claudebox/claudebox/internal/db"
)

// Record is one user's sandbox as last observed.
type Record struct {
	ID           int64     `db:"id" json:"id"`
	UserID       int64     `db:"user_id" json:"userId"`
	EngineID     string    `db:"engine_id" json:"engineId"`
	Name         string    `db:"name" json:"name"`
	Status       string    `db:"status" json:"status"`
	TierSnapshot string    `db:"tier_snapshot" json:"tierSnapshot"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	LastActiveAt time.Time `db:"last_active_at" json:"lastActiveAt"`
}

// Metric is one resource usage sample for a sandbox container. Samples are
// keyed by engine_id so a recreated container starts a fresh series; user_id
// is kept for per-user queries and cleanup.
type Metric struct {
	ID          int64     `db:"id" json:"id"`
	EngineID    string    `db:"engine_id" json:"engineId"`
	UserID      int64     `db:"user_id" json:"userId"`
	CPUPercent  float64   `db:"cpu_percent" json:"cpuPercent"`
	MemoryBytes int64     `db:"memory_bytes" json:"memoryBytes"`
	MemoryLimit int64     `db:"memory_limit" json:"memoryLimit"`
	PIDs        int64     `db:"pids" json:"pids"`
	DiskBytes   int64     `db:"disk_bytes" json:"diskBytes"`
	SampledAt   time.Time `db:"sampled_at" json:"sampledAt"`
}

// Store reads and writes sandbox state.
type Store struct {
	pool *db.Pool
}

// New creates the store and its schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize sandbox schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sandboxes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL UNIQUE,
		engine_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		tier_snapshot TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_active_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sandbox_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		engine_id TEXT NOT NULL DEFAULT '',
		user_id INTEGER NOT NULL,
		cpu_percent REAL NOT NULL,
		memory_bytes INTEGER NOT NULL,
		memory_limit INTEGER NOT NULL,
		pids INTEGER NOT NULL,
		disk_bytes INTEGER NOT NULL DEFAULT 0,
		sampled_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sandbox_metrics_user_time
		ON sandbox_metrics (user_id, sampled_at);
	`
	if _, err := s.pool.Writer().Exec(schema); err != nil {
		return err
	}
	// Databases created before engine_id keying need the column added.
	if err := s.addColumnIfMissing("sandbox_metrics", "engine_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	_, err := s.pool.Writer().Exec(`
		CREATE INDEX IF NOT EXISTS idx_sandbox_metrics_engine_time
			ON sandbox_metrics (engine_id, sampled_at)`)
	return err
}

func (s *Store) addColumnIfMissing(table, column, definition string) error {
	var count int
	err := s.pool.Reader().Get(&count,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err = s.pool.Writer().Exec(
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

// Upsert inserts or replaces the user's sandbox row.
func (s *Store) Upsert(ctx context.Context, rec *Record) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastActiveAt.IsZero() {
		rec.LastActiveAt = now
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO sandboxes (user_id, engine_id, name, status, tier_snapshot, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			engine_id = excluded.engine_id,
			name = excluded.name,
			status = excluded.status,
			tier_snapshot = excluded.tier_snapshot,
			last_active_at = excluded.last_active_at
	`, rec.UserID, rec.EngineID, rec.Name, rec.Status, rec.TierSnapshot, rec.CreatedAt, rec.LastActiveAt)
	return err
}

// GetByUserID returns the user's sandbox row, or nil when none exists.
func (s *Store) GetByUserID(ctx context.Context, userID int64) (*Record, error) {
	var rec Record
	err := s.pool.Reader().GetContext(ctx, &rec, `
		SELECT id, user_id, engine_id, name, status, tier_snapshot, created_at, last_active_at
		FROM sandboxes WHERE user_id = ?
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// List returns every sandbox row.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	records := []Record{}
	err := s.pool.Reader().SelectContext(ctx, &records, `
		SELECT id, user_id, engine_id, name, status, tier_snapshot, created_at, last_active_at
		FROM sandboxes ORDER BY user_id
	`)
	return records, err
}

// UpdateStatus records a state transition.
func (s *Store) UpdateStatus(ctx context.Context, userID int64, status string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sandboxes SET status = ? WHERE user_id = ?`, status, userID)
	return err
}

// Touch refreshes the activity timestamp the idle sweeper reads.
func (s *Store) Touch(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sandboxes SET last_active_at = ? WHERE user_id = ?`, at.UTC(), userID)
	return err
}

// Delete removes the user's sandbox row and its metric samples.
func (s *Store) Delete(ctx context.Context, userID int64) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sandbox_metrics WHERE user_id = ?`, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sandboxes WHERE user_id = ?`, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendMetric stores one usage sample.
func (s *Store) AppendMetric(ctx context.Context, m *Metric) error {
	if m.SampledAt.IsZero() {
		m.SampledAt = time.Now().UTC()
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO sandbox_metrics (engine_id, user_id, cpu_percent, memory_bytes, memory_limit, pids, disk_bytes, sampled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.EngineID, m.UserID, m.CPUPercent, m.MemoryBytes, m.MemoryLimit, m.PIDs, m.DiskBytes, m.SampledAt)
	return err
}

// MetricsSince returns the user's samples newer than the cutoff, oldest
// first.
func (s *Store) MetricsSince(ctx context.Context, userID int64, since time.Time) ([]Metric, error) {
	metrics := []Metric{}
	err := s.pool.Reader().SelectContext(ctx, &metrics, `
		SELECT id, engine_id, user_id, cpu_percent, memory_bytes, memory_limit, pids, disk_bytes, sampled_at
		FROM sandbox_metrics
		WHERE user_id = ? AND sampled_at >= ?
		ORDER BY sampled_at
	`, userID, since.UTC())
	return metrics, err
}

// MetricsForEngine returns one container's samples newer than the cutoff,
// oldest first. A recreated sandbox gets a new engine ID, so the series
// never mixes containers.
func (s *Store) MetricsForEngine(ctx context.Context, engineID string, since time.Time) ([]Metric, error) {
	metrics := []Metric{}
	err := s.pool.Reader().SelectContext(ctx, &metrics, `
		SELECT id, engine_id, user_id, cpu_percent, memory_bytes, memory_limit, pids, disk_bytes, sampled_at
		FROM sandbox_metrics
		WHERE engine_id = ? AND sampled_at >= ?
		ORDER BY sampled_at
	`, engineID, since.UTC())
	return metrics, err
}

// PruneMetrics deletes samples older than the cutoff and reports how many
// went.
func (s *Store) PruneMetrics(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM sandbox_metrics WHERE sampled_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
