package supervisor

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/claudebox/claudebox/internal/sandbox/driver"
)

// Reconcile aligns the registry, the persisted records and the engine's
// actual containers. Run at startup, safe to run at any time: still-running
// labelled containers are adopted, stopped or unowned ones removed, and
// records whose container vanished are marked removed.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	containers, err := s.engine.ListManagedContainers(ctx)
	if err != nil {
		return err
	}
	records, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	recordByUser := make(map[int64]bool, len(records))
	for _, rec := range records {
		recordByUser[rec.UserID] = true
	}

	seen := make(map[int64]bool)
	for _, info := range containers {
		userID, ok := ownerOf(info)
		if !ok {
			s.logger.Warn("removing unowned managed container",
				zap.String("engine_id", info.EngineID),
				zap.String("name", info.Name))
			s.removeStray(ctx, info.EngineID)
			continue
		}
		seen[userID] = true

		if !info.Running() {
			// Cold container: clear it, the next acquire recreates.
			s.logger.Info("removing stopped sandbox at reconcile",
				zap.Int64("user_id", userID),
				zap.String("engine_id", info.EngineID))
			s.removeStray(ctx, info.EngineID)
			if err := s.store.UpdateStatus(ctx, userID, StatusRemoved); err != nil {
				s.logger.Warn("failed to persist removed state", zap.Int64("user_id", userID), zap.Error(err))
			}
			continue
		}

		s.adopt(ctx, userID, info)
	}

	// Records pointing at containers the engine no longer has.
	for _, rec := range records {
		if seen[rec.UserID] || rec.Status == StatusRemoved {
			continue
		}
		s.logger.Info("marking engine-absent sandbox removed", zap.Int64("user_id", rec.UserID))
		if err := s.store.UpdateStatus(ctx, rec.UserID, StatusRemoved); err != nil {
			s.logger.Warn("failed to persist removed state", zap.Int64("user_id", rec.UserID), zap.Error(err))
		}
	}

	s.logger.Info("reconcile complete",
		zap.Int("containers", len(containers)),
		zap.Int("adopted", len(seen)))
	return nil
}

// adopt latches a still-running container into the registry, restoring the
// tier snapshot from the persisted record when one exists.
func (s *Supervisor) adopt(ctx context.Context, userID int64, info driver.Info) {
	tierName := DefaultTier
	if rec, err := s.store.GetByUserID(ctx, userID); err == nil && rec != nil && rec.TierSnapshot != "" {
		tierName = rec.TierSnapshot
	}
	tier, err := TierFor(tierName)
	if err != nil {
		tier, _ = TierFor(DefaultTier)
	}

	e := s.entryFor(userID)
	e.mu.Lock()
	e.engineID = info.EngineID
	e.name = info.Name
	e.status = StatusRunning
	e.tier = tier
	if e.createdAt.IsZero() {
		e.createdAt = info.StartedAt
	}
	e.lastActiveAt = time.Now().UTC()
	if err := s.persistLocked(ctx, userID, e); err != nil {
		s.logger.Warn("failed to persist adopted sandbox", zap.Int64("user_id", userID), zap.Error(err))
	}
	e.mu.Unlock()

	s.publishState(ctx, userID, StatusRunning, map[string]interface{}{"engine_id": info.EngineID, "adopted": true})
	s.logger.Info("adopted running sandbox",
		zap.Int64("user_id", userID),
		zap.String("engine_id", info.EngineID),
		zap.String("tier", tier.Name))
}

func (s *Supervisor) removeStray(ctx context.Context, engineID string) {
	if err := s.engine.StopContainer(ctx, engineID, s.stopGrace()); err != nil {
		s.logger.Warn("failed to stop stray container", zap.String("engine_id", engineID), zap.Error(err))
	}
	if err := s.engine.RemoveContainer(ctx, engineID); err != nil {
		s.logger.Warn("failed to remove stray container", zap.String("engine_id", engineID), zap.Error(err))
	}
}

func ownerOf(info driver.Info) (int64, bool) {
	raw, ok := info.Labels[driver.LabelUser]
	if !ok {
		return 0, false
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return 0, false
	}
	return userID, true
}
