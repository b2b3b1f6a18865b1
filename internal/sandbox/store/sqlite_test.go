package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/claudebox/claudebox/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.Open(filepath.Join(t.TempDir(), "claudebox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	s, err := New(pool)
	require.NoError(t, err)
	return s
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &Record{
		UserID:       7,
		EngineID:     "abc123",
		Name:         "claude-user-7",
		Status:       "running",
		TierSnapshot: "pro",
	}
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.GetByUserID(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "abc123", got.EngineID)
	require.Equal(t, "claude-user-7", got.Name)
	require.Equal(t, "pro", got.TierSnapshot)
	require.False(t, got.CreatedAt.IsZero())

	// Second upsert for the same user replaces, not duplicates.
	rec.EngineID = "def456"
	rec.Status = "stopped"
	require.NoError(t, s.Upsert(ctx, rec))

	got, err = s.GetByUserID(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "def456", got.EngineID)
	require.Equal(t, "stopped", got.Status)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestGetMissingIsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetByUserID(context.Background(), 999)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUpdateStatusAndTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &Record{UserID: 1, EngineID: "e", Name: "claude-user-1", Status: "provisioning", TierSnapshot: "free"}))
	require.NoError(t, s.UpdateStatus(ctx, 1, "running"))

	later := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.Touch(ctx, 1, later))

	got, err := s.GetByUserID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "running", got.Status)
	require.WithinDuration(t, later, got.LastActiveAt, time.Second)
}

func TestDeleteCascadesMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &Record{UserID: 2, EngineID: "e", Name: "claude-user-2", Status: "running", TierSnapshot: "free"}))
	require.NoError(t, s.AppendMetric(ctx, &Metric{UserID: 2, CPUPercent: 12.5, MemoryBytes: 1024, MemoryLimit: 4096, PIDs: 10}))

	require.NoError(t, s.Delete(ctx, 2))

	got, err := s.GetByUserID(ctx, 2)
	require.NoError(t, err)
	require.Nil(t, got)

	metrics, err := s.MetricsSince(ctx, 2, time.Time{})
	require.NoError(t, err)
	require.Empty(t, metrics)
}

func TestMetricsKeyedByEngine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// The same user's sandbox got recreated: two containers, two series.
	for i, engineID := range []string{"engine-old", "engine-old", "engine-new"} {
		require.NoError(t, s.AppendMetric(ctx, &Metric{
			EngineID:    engineID,
			UserID:      9,
			CPUPercent:  float64(i),
			MemoryLimit: 4096,
			SampledAt:   now.Add(time.Duration(i) * time.Minute),
		}))
	}

	old, err := s.MetricsForEngine(ctx, "engine-old", time.Time{})
	require.NoError(t, err)
	require.Len(t, old, 2)
	for _, m := range old {
		require.Equal(t, "engine-old", m.EngineID)
	}

	fresh, err := s.MetricsForEngine(ctx, "engine-new", time.Time{})
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	// The per-user view still spans both containers, carrying engine IDs.
	all, err := s.MetricsSince(ctx, 9, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "engine-old", all[0].EngineID)
	require.Equal(t, "engine-new", all[2].EngineID)
}

func TestMetricsWindowAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, age := range []time.Duration{3 * time.Hour, time.Hour, time.Minute} {
		require.NoError(t, s.AppendMetric(ctx, &Metric{
			UserID:      5,
			CPUPercent:  float64(i),
			MemoryBytes: int64(i * 100),
			MemoryLimit: 4096,
			PIDs:        int64(i),
			SampledAt:   now.Add(-age),
		}))
	}

	recent, err := s.MetricsSince(ctx, 5, now.Add(-90*time.Minute))
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.True(t, recent[0].SampledAt.Before(recent[1].SampledAt))

	pruned, err := s.PruneMetrics(ctx, now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, pruned)

	remaining, err := s.MetricsSince(ctx, 5, time.Time{})
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}
