// Package supervisor owns the sandbox lifecycle state machine.
//
// One container per user, tracked in an in-memory registry whose per-user
// lock serialises every lifecycle operation for that user. The registry is
// mirrored to SQLite after each transition so restart reconciliation can
// match engine containers back to their owners.
package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claudebox/claudebox/internal/common/config"
	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/common/logger"
	"github.com/claudebox/claudebox/internal/events"
	"github.com/claudebox/claudebox/internal/events/bus"
	"github.com/claudebox/claudebox/internal/extensions"
	"github.com/claudebox/claudebox/internal/sandbox/driver"
	"github.com/claudebox/claudebox/internal/sandbox/store"
	"github.com/claudebox/claudebox/internal/workspace"
)

// Sandbox states.
const (
	StatusCreating = "creating"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusRemoving = "removing"
	StatusRemoved  = "removed"
	StatusFailed   = "failed"
)

// Defaults applied when config leaves timing knobs unset.
const (
	defaultReadinessPoll    = 500 * time.Millisecond
	defaultReadinessTimeout = 60 * time.Second
	defaultSweepInterval    = 5 * time.Minute
	defaultStopGrace        = 10 * time.Second
	defaultMetricsInterval  = 60 * time.Second
	defaultMetricsRetention = 24 * time.Hour
)

// EngineDriver is the slice of the container driver the supervisor uses.
// Narrowed to an interface so tests can substitute a fake engine.
type EngineDriver interface {
	CreateVolume(ctx context.Context, name, hostPath string) error
	CreateContainer(ctx context.Context, spec driver.Spec) (string, error)
	StartContainer(ctx context.Context, engineID string) error
	StopContainer(ctx context.Context, engineID string, grace time.Duration) error
	RemoveContainer(ctx context.Context, engineID string) error
	InspectContainer(ctx context.Context, engineID string) (*driver.Info, error)
	ListManagedContainers(ctx context.Context) ([]driver.Info, error)
	ContainerStats(ctx context.Context, engineID string) (*driver.Stats, error)
}

// Installer installs the managed extension bundle during acquire.
type Installer interface {
	SyncOneHeld(ctx context.Context, userID int64, opts extensions.Options) error
	BundleVersion() (int64, error)
}

// SessionActivity lets the idle sweeper skip users with a live session.
type SessionActivity interface {
	HasActiveSession(userID int64) bool
}

// Handle is the result of a successful acquire.
type Handle struct {
	UserID   int64
	EngineID string
	Name     string
	Tier     string
}

// entry is one user's registry slot. Its mutex serialises every lifecycle
// operation for that user; different users proceed in parallel.
type entry struct {
	mu sync.Mutex

	engineID     string
	name         string
	status       string
	tier         Tier
	createdAt    time.Time
	lastActiveAt time.Time
	syncedBundle int64
}

// reset clears the slot without touching its mutex; callers hold the lock.
func (e *entry) reset() {
	e.engineID = ""
	e.name = ""
	e.status = ""
	e.tier = Tier{}
	e.createdAt = time.Time{}
	e.lastActiveAt = time.Time{}
	e.syncedBundle = 0
}

// Supervisor drives sandbox lifecycle for all users.
type Supervisor struct {
	engine   EngineDriver
	ws       *workspace.Manager
	store    *store.Store
	bundle   Installer
	eventBus bus.EventBus
	cfg      config.SandboxConfig
	logger   *logger.Logger

	mu      sync.RWMutex
	entries map[int64]*entry

	sessionsMu sync.RWMutex
	sessions   SessionActivity

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

// New creates the supervisor. Call Reconcile then Start before serving.
func New(engine EngineDriver, ws *workspace.Manager, st *store.Store, bundle Installer, eventBus bus.EventBus, cfg config.SandboxConfig, log *logger.Logger) *Supervisor {
	return &Supervisor{
		engine:   engine,
		ws:       ws,
		store:    st,
		bundle:   bundle,
		eventBus: eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "supervisor")),
		entries:  make(map[int64]*entry),
	}
}

// SetSessionActivity wires the session manager in after construction; the
// session layer is built on top of the supervisor, not below it.
func (s *Supervisor) SetSessionActivity(sessions SessionActivity) {
	s.sessionsMu.Lock()
	s.sessions = sessions
	s.sessionsMu.Unlock()
}

func (s *Supervisor) hasActiveSession(userID int64) bool {
	s.sessionsMu.RLock()
	sessions := s.sessions
	s.sessionsMu.RUnlock()
	return sessions != nil && sessions.HasActiveSession(userID)
}

// entryFor returns the user's registry slot, creating it if needed.
func (s *Supervisor) entryFor(userID int64) *entry {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[userID]; ok {
		return e
	}
	e = &entry{}
	s.entries[userID] = e
	return e
}

func (s *Supervisor) dropEntry(userID int64) {
	s.mu.Lock()
	delete(s.entries, userID)
	s.mu.Unlock()
}

// WithUserLock runs fn holding the user's lifecycle lock. The extension
// syncer serialises against acquire/evict through this.
func (s *Supervisor) WithUserLock(userID int64, fn func() error) error {
	e := s.entryFor(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

// ContainerName is the engine name of a user's sandbox.
func ContainerName(userID int64) string {
	return fmt.Sprintf("claude-user-%d", userID)
}

// VolumeName is the engine name of a user's data volume.
func VolumeName(userID int64) string {
	return fmt.Sprintf("claude-user-%d-data", userID)
}

// Acquire returns a running sandbox for the user, provisioning one if
// needed. Serialised per user; concurrent acquires for the same user queue
// behind the lock and find the sandbox already running.
func (s *Supervisor) Acquire(ctx context.Context, userID int64, tierName string) (*Handle, error) {
	tier, err := TierFor(tierName)
	if err != nil {
		return nil, err
	}

	e := s.entryFor(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	// Fast path: the registry says we have a container; trust the engine,
	// not the cache.
	if e.engineID != "" {
		info, err := s.engine.InspectContainer(ctx, e.engineID)
		if err != nil {
			return nil, s.markFailed(ctx, userID, e, err)
		}
		if info != nil && info.Running() {
			s.touchLocked(ctx, userID, e)
			return &Handle{UserID: userID, EngineID: e.engineID, Name: e.name, Tier: e.tier.Name}, nil
		}
		// Stale entry: clear it and provision from scratch.
		if info != nil {
			if err := s.engine.RemoveContainer(ctx, e.engineID); err != nil {
				return nil, s.markFailed(ctx, userID, e, err)
			}
		}
		e.reset()
	}

	handle, err := s.provisionLocked(ctx, userID, tier, e)
	if err != nil {
		return nil, s.markFailed(ctx, userID, e, err)
	}
	return handle, nil
}

func (s *Supervisor) provisionLocked(ctx context.Context, userID int64, tier Tier, e *entry) (*Handle, error) {
	now := time.Now().UTC()
	e.status = StatusCreating
	e.tier = tier
	e.createdAt = now
	e.lastActiveAt = now
	s.publishState(ctx, userID, StatusCreating, nil)

	if err := s.ws.EnsureLayout(userID); err != nil {
		return nil, err
	}
	if err := s.installBundleLocked(ctx, userID, e); err != nil {
		return nil, err
	}

	hostData := s.ws.HostDataDir(userID)
	if err := s.engine.CreateVolume(ctx, VolumeName(userID), hostData); err != nil {
		return nil, err
	}

	name := ContainerName(userID)
	engineID, err := s.engine.CreateContainer(ctx, s.buildSpec(userID, name, tier, hostData))
	if err != nil {
		return nil, err
	}
	e.engineID = engineID
	e.name = name

	info, err := s.engine.InspectContainer(ctx, engineID)
	if err != nil {
		return nil, err
	}
	if info == nil || !info.Running() {
		if err := s.engine.StartContainer(ctx, engineID); err != nil {
			return nil, err
		}
	}

	if err := s.waitReady(ctx, engineID, name); err != nil {
		return nil, err
	}

	e.status = StatusRunning
	e.lastActiveAt = time.Now().UTC()
	if err := s.persistLocked(ctx, userID, e); err != nil {
		s.logger.Warn("failed to persist sandbox record", zap.Int64("user_id", userID), zap.Error(err))
	}
	s.publishState(ctx, userID, StatusRunning, map[string]interface{}{"engine_id": engineID})
	s.logger.Info("sandbox running",
		zap.Int64("user_id", userID),
		zap.String("engine_id", engineID),
		zap.String("tier", tier.Name))

	return &Handle{UserID: userID, EngineID: engineID, Name: name, Tier: tier.Name}, nil
}

// installBundleLocked installs the extension bundle when it changed since
// this entry last synced. First provision always installs.
func (s *Supervisor) installBundleLocked(ctx context.Context, userID int64, e *entry) error {
	if s.bundle == nil {
		return nil
	}
	version, err := s.bundle.BundleVersion()
	if err != nil {
		return err
	}
	if version != 0 && version == e.syncedBundle {
		return nil
	}
	if err := s.bundle.SyncOneHeld(ctx, userID, extensions.Options{}); err != nil {
		return err
	}
	e.syncedBundle = version
	return nil
}

func (s *Supervisor) buildSpec(userID int64, name string, tier Tier, hostData string) driver.Spec {
	return driver.Spec{
		Name:  name,
		Image: s.cfg.Image,
		Env: []string{
			"USER_ID=" + strconv.FormatInt(userID, 10),
			"HOME=" + workspace.ContainerMount,
			"NODE_ENV=production",
		},
		WorkingDir: workspace.ContainerMount,
		Labels: map[string]string{
			driver.LabelManaged: "true",
			driver.LabelUser:    strconv.FormatInt(userID, 10),
		},
		Binds: []driver.Bind{
			{Source: hostData, Target: workspace.ContainerMount},
		},
		NetworkMode: s.cfg.Network,
		SecurityOpt: []string{
			"no-new-privileges:true",
			"seccomp=" + s.ws.SeccompProfilePath(),
		},
		NanoCPUs:    tier.NanoCPUs,
		MemoryBytes: tier.MemoryBytes,
		PidsLimit:   tier.PidsLimit,
	}
}

// waitReady polls inspect until the container runs or the deadline passes.
func (s *Supervisor) waitReady(ctx context.Context, engineID, name string) error {
	poll := s.cfg.ReadinessPoll
	if poll <= 0 {
		poll = defaultReadinessPoll
	}
	timeout := s.cfg.ReadinessTimeout
	if timeout <= 0 {
		timeout = defaultReadinessTimeout
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		info, err := s.engine.InspectContainer(ctx, engineID)
		if err != nil {
			return err
		}
		if info != nil && info.Running() {
			return nil
		}
		if time.Now().After(deadline) {
			return apperrors.ReadinessTimeout(name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// markFailed records a provisioning failure. The entry stays failed until
// the next acquire clears it and retries from scratch.
func (s *Supervisor) markFailed(ctx context.Context, userID int64, e *entry, cause error) error {
	e.status = StatusFailed
	if err := s.store.UpdateStatus(context.WithoutCancel(ctx), userID, StatusFailed); err != nil {
		s.logger.Warn("failed to persist failed state", zap.Int64("user_id", userID), zap.Error(err))
	}
	s.publishState(ctx, userID, StatusFailed, map[string]interface{}{"error": cause.Error()})
	s.logger.Error("sandbox provisioning failed", zap.Int64("user_id", userID), zap.Error(cause))
	return cause
}

// Release marks the user's sandbox as recently used. Called when a client
// detaches; the idle clock restarts from here.
func (s *Supervisor) Release(ctx context.Context, userID int64) {
	e := s.entryFor(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.touchLocked(ctx, userID, e)
}

// Touch bumps the idle clock without taking the lifecycle lock ordering
// into account; safe from the gateway's hot path.
func (s *Supervisor) Touch(ctx context.Context, userID int64) {
	s.Release(ctx, userID)
}

func (s *Supervisor) touchLocked(ctx context.Context, userID int64, e *entry) {
	e.lastActiveAt = time.Now().UTC()
	if err := s.store.Touch(ctx, userID, e.lastActiveAt); err != nil {
		s.logger.Debug("failed to persist activity timestamp", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// Stop stops the user's container, keeping it for a later restart.
func (s *Supervisor) Stop(ctx context.Context, userID int64) error {
	e := s.entryFor(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.engineID == "" {
		return nil
	}
	if err := s.engine.StopContainer(ctx, e.engineID, s.stopGrace()); err != nil {
		return s.markFailed(ctx, userID, e, err)
	}
	e.status = StatusStopped
	if err := s.store.UpdateStatus(ctx, userID, StatusStopped); err != nil {
		s.logger.Warn("failed to persist stopped state", zap.Int64("user_id", userID), zap.Error(err))
	}
	s.publishState(ctx, userID, StatusStopped, nil)
	return nil
}

// Remove stops and removes the user's container. Volumes and host data are
// preserved; deleting data is a separate administrative operation.
func (s *Supervisor) Remove(ctx context.Context, userID int64) error {
	e := s.entryFor(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.removeLocked(ctx, userID, e)
}

func (s *Supervisor) removeLocked(ctx context.Context, userID int64, e *entry) error {
	if e.engineID == "" {
		s.dropEntry(userID)
		return nil
	}
	e.status = StatusRemoving
	s.publishState(ctx, userID, StatusRemoving, nil)

	if err := s.engine.StopContainer(ctx, e.engineID, s.stopGrace()); err != nil {
		return s.markFailed(ctx, userID, e, err)
	}
	if err := s.engine.RemoveContainer(ctx, e.engineID); err != nil {
		return s.markFailed(ctx, userID, e, err)
	}
	if err := s.store.UpdateStatus(ctx, userID, StatusRemoved); err != nil {
		s.logger.Warn("failed to persist removed state", zap.Int64("user_id", userID), zap.Error(err))
	}
	s.publishState(ctx, userID, StatusRemoved, nil)
	s.logger.Info("sandbox removed", zap.Int64("user_id", userID), zap.String("engine_id", e.engineID))
	e.reset()
	s.dropEntry(userID)
	return nil
}

// Status returns the persisted sandbox record for the control surface, or
// nil when the user never had one.
func (s *Supervisor) Status(ctx context.Context, userID int64) (*store.Record, error) {
	return s.store.GetByUserID(ctx, userID)
}

func (s *Supervisor) persistLocked(ctx context.Context, userID int64, e *entry) error {
	return s.store.Upsert(ctx, &store.Record{
		UserID:       userID,
		EngineID:     e.engineID,
		Name:         e.name,
		Status:       e.status,
		TierSnapshot: e.tier.Name,
		CreatedAt:    e.createdAt,
		LastActiveAt: e.lastActiveAt,
	})
}

func (s *Supervisor) publishState(ctx context.Context, userID int64, state string, extra map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"user_id": userID,
		"state":   state,
	}
	for k, v := range extra {
		data[k] = v
	}
	subject := events.BuildSandboxSubject(userID, state)
	if err := s.eventBus.Publish(ctx, subject, bus.NewEvent(events.SandboxStateChanged, "supervisor", data)); err != nil {
		s.logger.Debug("failed to publish sandbox event", zap.String("subject", subject), zap.Error(err))
	}
}

func (s *Supervisor) stopGrace() time.Duration {
	if s.cfg.StopGrace > 0 {
		return s.cfg.StopGrace
	}
	return defaultStopGrace
}
