package supervisor

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/claudebox/claudebox/internal/events"
	"github.com/claudebox/claudebox/internal/events/bus"
	"github.com/claudebox/claudebox/internal/sandbox/store"
)

// Start launches the idle sweeper and the metrics sampler.
func (s *Supervisor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel

	s.loopWG.Add(2)
	go s.sweepLoop(ctx)
	go s.sampleLoop(ctx)
}

// Shutdown stops the background loops. Containers are left running so they
// stay warm across restarts; reconcile re-adopts them.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.loopCancel != nil {
		s.loopCancel()
	}
	done := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) sweepLoop(ctx context.Context) {
	defer s.loopWG.Done()
	interval := s.cfg.IdleSweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepIdle(ctx)
		}
	}
}

// SweepIdle evicts sandboxes idle beyond their tier's timeout. A user with
// an active session attached is never evicted, however stale the clock.
func (s *Supervisor) SweepIdle(ctx context.Context) {
	now := time.Now().UTC()
	for userID, e := range s.snapshot() {
		e.mu.Lock()
		idle := e.status == StatusRunning && now.Sub(e.lastActiveAt) > e.tier.IdleTimeout
		if !idle || s.hasActiveSession(userID) {
			e.mu.Unlock()
			continue
		}
		s.logger.Info("evicting idle sandbox",
			zap.Int64("user_id", userID),
			zap.Duration("idle", now.Sub(e.lastActiveAt)),
			zap.String("tier", e.tier.Name))
		if err := s.removeLocked(ctx, userID, e); err != nil {
			s.logger.Warn("idle eviction failed", zap.Int64("user_id", userID), zap.Error(err))
		}
		e.mu.Unlock()
	}
}

func (s *Supervisor) snapshot() map[int64]*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]*entry, len(s.entries))
	for userID, e := range s.entries {
		out[userID] = e
	}
	return out
}

func (s *Supervisor) sampleLoop(ctx context.Context) {
	defer s.loopWG.Done()
	interval := s.cfg.MetricsInterval
	if interval <= 0 {
		interval = defaultMetricsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SampleMetrics(ctx)
		}
	}
}

// SampleMetrics records one usage sample per running sandbox and prunes
// samples past the retention window.
func (s *Supervisor) SampleMetrics(ctx context.Context) {
	for userID, e := range s.snapshot() {
		e.mu.Lock()
		engineID, running := e.engineID, e.status == StatusRunning
		e.mu.Unlock()
		if !running || engineID == "" {
			continue
		}

		stats, err := s.engine.ContainerStats(ctx, engineID)
		if err != nil {
			s.logger.Debug("stats sample failed", zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		metric := &store.Metric{
			EngineID:    engineID,
			UserID:      userID,
			CPUPercent:  stats.CPUPercent,
			MemoryBytes: int64(stats.MemoryBytes),
			MemoryLimit: int64(stats.MemoryLimit),
			PIDs:        int64(stats.PIDs),
			DiskBytes:   dirSize(s.ws.HostDataDir(userID)),
			SampledAt:   time.Now().UTC(),
		}
		if err := s.store.AppendMetric(ctx, metric); err != nil {
			s.logger.Warn("failed to store metric sample", zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		s.publishMetric(ctx, userID, metric)
	}

	retention := s.cfg.MetricsRetention
	if retention <= 0 {
		retention = defaultMetricsRetention
	}
	if _, err := s.store.PruneMetrics(ctx, time.Now().UTC().Add(-retention)); err != nil {
		s.logger.Warn("failed to prune metric samples", zap.Error(err))
	}
}

func (s *Supervisor) publishMetric(ctx context.Context, userID int64, m *store.Metric) {
	if s.eventBus == nil {
		return
	}
	subject := "sandbox.metrics.sampled"
	event := bus.NewEvent(events.SandboxMetricsSampled, "supervisor", map[string]interface{}{
		"engine_id":    m.EngineID,
		"user_id":      userID,
		"cpu_percent":  m.CPUPercent,
		"memory_bytes": m.MemoryBytes,
		"disk_bytes":   m.DiskBytes,
		"pids":         m.PIDs,
	})
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Debug("failed to publish metric event", zap.Error(err))
	}
}

// dirSize sums regular file sizes under root. Best-effort; unreadable
// entries count as zero.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
