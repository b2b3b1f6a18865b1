// Package session tracks agent sessions: their identity, their one-command
// -at-a-time discipline, and their append-only history ledgers.
//
// A session is born under a temporary client ID (temp-<ts>) and renamed
// once the agent runtime reports its real UUID; the gateway holding the
// temporary ID learns the new one through a rebind callback. Sessions
// outlive their WebSocket attachment: a disconnect clears `active` but a
// command in flight keeps running into history.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/common/logger"
	"github.com/claudebox/claudebox/internal/events"
	"github.com/claudebox/claudebox/internal/events/bus"
	"github.com/claudebox/claudebox/internal/session/store"
	"github.com/claudebox/claudebox/internal/workspace"
)

// abortGrace is how long Abort waits for the exec to die before forcing
// the processing flag clear.
const abortGrace = 2 * time.Second

// TempIDPrefix marks session IDs allocated client-side before the agent
// runtime reports the real UUID.
const TempIDPrefix = "temp-"

// IsTempID reports whether id is a pre-rebind temporary ID.
func IsTempID(id string) bool { return strings.HasPrefix(id, TempIDPrefix) }

// NewTempID allocates a temporary session ID.
func NewTempID() string {
	return fmt.Sprintf("%s%d", TempIDPrefix, time.Now().UnixMilli())
}

// Session is one agent conversation.
type Session struct {
	UserID      int64
	ProjectPath string
	CreatedAt   time.Time

	mu         sync.Mutex
	id         string
	processing bool
	active     bool
	cancel     context.CancelFunc
	done       chan struct{}
	onRebind   func(newID string)
	hist       *history
}

// ID returns the session's current ID; it changes once, at rebind.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Processing reports whether a command is in flight.
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// Active reports whether a client is attached.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetRebindCallback registers the function called with the real ID when the
// session is renamed. One callback per session; the gateway owns it.
func (s *Session) SetRebindCallback(fn func(newID string)) {
	s.mu.Lock()
	s.onRebind = fn
	s.mu.Unlock()
}

// Manager owns the session map.
type Manager struct {
	ws       *workspace.Manager
	store    *store.Store
	eventBus bus.EventBus
	logger   *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates the session manager.
func NewManager(ws *workspace.Manager, st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		ws:       ws,
		store:    st,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		sessions: make(map[string]*Session),
	}
}

// Get returns a live session by ID.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Start obtains a session for a command. An empty ID allocates a fresh
// session under a server-minted temporary ID. A client-minted temp- ID is
// adopted as-is, so abort and duplicate-command detection key on the ID the
// client already holds; starting again with the same temp ID returns the
// existing session instead of forking a second one. Any other ID resumes a
// session that must exist and belong to the caller.
func (m *Manager) Start(ctx context.Context, userID int64, projectPath, sessionID string) (*Session, error) {
	switch {
	case sessionID == "":
		sessionID = NewTempID()
	case IsTempID(sessionID):
		if sess, ok := m.Get(sessionID); ok {
			if sess.UserID != userID {
				return nil, apperrors.PermissionDenied("session belongs to another user")
			}
			sess.mu.Lock()
			sess.active = true
			sess.mu.Unlock()
			return sess, nil
		}
	default:
		return m.resume(ctx, userID, projectPath, sessionID)
	}

	sess := &Session{
		UserID:      userID,
		ProjectPath: projectPath,
		CreatedAt:   time.Now().UTC(),
		id:          sessionID,
		active:      true,
	}
	sess.hist = newHistory(m.ws, userID, sess.id)

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	m.logger.Debug("session started",
		zap.String("session_id", sess.id),
		zap.Int64("user_id", userID),
		zap.String("project", projectPath))
	return sess, nil
}

func (m *Manager) resume(ctx context.Context, userID int64, projectPath, resumeID string) (*Session, error) {
	if sess, ok := m.Get(resumeID); ok {
		if sess.UserID != userID {
			return nil, apperrors.PermissionDenied("session belongs to another user")
		}
		sess.mu.Lock()
		sess.active = true
		sess.mu.Unlock()
		return sess, nil
	}

	row, err := m.store.Get(ctx, resumeID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, apperrors.SessionNotFound(resumeID)
	}
	if row.UserID != userID {
		return nil, apperrors.PermissionDenied("session belongs to another user")
	}

	if projectPath == "" {
		projectPath = row.ProjectPath
	}
	sess := &Session{
		UserID:      userID,
		ProjectPath: projectPath,
		CreatedAt:   row.CreatedAt,
		id:          resumeID,
		active:      true,
	}
	sess.hist = newHistory(m.ws, userID, resumeID)

	m.mu.Lock()
	m.sessions[resumeID] = sess
	m.mu.Unlock()
	return sess, nil
}

// Rebind renames a temporary session to the UUID the agent runtime
// reported, moves its ledger, indexes it, and notifies the attached
// gateway.
func (m *Manager) Rebind(ctx context.Context, tempID, realID string) error {
	if tempID == realID || realID == "" {
		return nil
	}

	m.mu.Lock()
	sess, ok := m.sessions[tempID]
	if !ok {
		m.mu.Unlock()
		return apperrors.SessionNotFound(tempID)
	}
	delete(m.sessions, tempID)
	m.sessions[realID] = sess
	m.mu.Unlock()

	sess.mu.Lock()
	sess.id = realID
	onRebind := sess.onRebind
	userID := sess.UserID
	projectPath := sess.ProjectPath
	createdAt := sess.CreatedAt
	sess.mu.Unlock()

	m.moveLedger(userID, tempID, realID)
	sess.mu.Lock()
	sess.hist = newHistory(m.ws, userID, realID)
	sess.mu.Unlock()

	if err := m.store.Upsert(ctx, &store.Row{
		ID:          realID,
		UserID:      userID,
		ProjectPath: projectPath,
		CreatedAt:   createdAt,
	}); err != nil {
		m.logger.Warn("failed to index session", zap.String("session_id", realID), zap.Error(err))
	}

	if onRebind != nil {
		onRebind(realID)
	}
	m.publish(ctx, realID, "renamed", events.SessionRenamed, map[string]interface{}{
		"previous_id": tempID,
	})
	m.logger.Info("session rebound",
		zap.String("temp_id", tempID),
		zap.String("session_id", realID))
	return nil
}

func (m *Manager) moveLedger(userID int64, oldID, newID string) {
	base := m.ws.SessionsDir(userID)
	oldDir := filepath.Join(base, oldID)
	if _, err := os.Stat(oldDir); err != nil {
		return
	}
	if err := os.Rename(oldDir, filepath.Join(base, newID)); err != nil {
		m.logger.Warn("failed to move session ledger", zap.String("session_id", newID), zap.Error(err))
	}
}

// BeginCommand claims the session for one command. A command already in
// flight yields Busy.
func (m *Manager) BeginCommand(sessionID string, cancel context.CancelFunc) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return apperrors.SessionNotFound(sessionID)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.processing {
		return apperrors.Busy(sessionID)
	}
	sess.processing = true
	sess.cancel = cancel
	sess.done = make(chan struct{})
	return nil
}

// FinishCommand releases the session after a command completed. The exit
// code lands in the ledger as a complete record.
func (m *Manager) FinishCommand(ctx context.Context, sessionID string, exitCode int) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return
	}
	sess.mu.Lock()
	sess.processing = false
	sess.cancel = nil
	if sess.done != nil {
		close(sess.done)
		sess.done = nil
	}
	hist := sess.hist
	sess.mu.Unlock()

	payload, _ := json.Marshal(map[string]interface{}{"exit_code": exitCode})
	if err := hist.Append(Record{Kind: KindComplete, Payload: payload}); err != nil {
		m.logger.Warn("failed to journal completion", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := m.store.TouchMessage(ctx, sessionID, time.Now().UTC()); err != nil {
		m.logger.Debug("failed to touch session index", zap.String("session_id", sessionID), zap.Error(err))
	}
	m.publish(ctx, sessionID, "complete", events.SessionCompleted, map[string]interface{}{
		"exit_code": exitCode,
	})
}

// Abort kills the in-flight command: cancel the exec, give it the grace
// window, then force the processing flag clear and journal the abort.
func (m *Manager) Abort(ctx context.Context, sessionID string) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return apperrors.SessionNotFound(sessionID)
	}

	sess.mu.Lock()
	if !sess.processing {
		sess.mu.Unlock()
		return nil
	}
	cancel := sess.cancel
	done := sess.done
	sess.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(abortGrace):
		case <-ctx.Done():
		}
	}

	sess.mu.Lock()
	sess.processing = false
	sess.cancel = nil
	sess.done = nil
	hist := sess.hist
	sess.mu.Unlock()

	if err := hist.Append(Record{Kind: KindAborted}); err != nil {
		m.logger.Warn("failed to journal abort", zap.String("session_id", sessionID), zap.Error(err))
	}
	m.publish(ctx, sessionID, "aborted", events.SessionAborted, nil)
	m.logger.Info("session aborted", zap.String("session_id", sessionID))
	return nil
}

// SetActive flips the client-attached flag.
func (m *Manager) SetActive(sessionID string, active bool) {
	if sess, ok := m.Get(sessionID); ok {
		sess.mu.Lock()
		sess.active = active
		sess.mu.Unlock()
	}
}

// Close detaches the client. The session and any in-flight command persist.
func (m *Manager) Close(sessionID string) {
	m.SetActive(sessionID, false)
}

// HasActiveSession reports whether the user has a session that is attached
// or mid-command. The idle sweeper keys off this.
func (m *Manager) HasActiveSession(userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sess := range m.sessions {
		if sess.UserID != userID {
			continue
		}
		sess.mu.Lock()
		live := sess.active || sess.processing
		sess.mu.Unlock()
		if live {
			return true
		}
	}
	return false
}

// Ingest journals one agent event into the session's ledger.
func (m *Manager) Ingest(ctx context.Context, sessionID, kind string, payload json.RawMessage) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return apperrors.SessionNotFound(sessionID)
	}
	sess.mu.Lock()
	hist := sess.hist
	sess.mu.Unlock()

	if err := hist.Append(Record{Kind: kind, Payload: payload}); err != nil {
		return err
	}
	if err := m.store.TouchMessage(ctx, sessionID, time.Now().UTC()); err != nil {
		m.logger.Debug("failed to touch session index", zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

// AnnounceCreated publishes the created event once the real ID is known.
func (m *Manager) AnnounceCreated(ctx context.Context, sessionID string) {
	m.publish(ctx, sessionID, "created", events.SessionCreated, nil)
}

// Tail returns the last n ledger records for reconnect replay.
func (m *Manager) Tail(userID int64, sessionID string, n int) ([]Record, error) {
	return newHistory(m.ws, userID, sessionID).Tail(n)
}

// Messages returns a page of a session's ledger after an ownership check
// against the index.
func (m *Manager) Messages(ctx context.Context, userID int64, sessionID string, limit, offset int) ([]Record, int, error) {
	row, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	if row == nil {
		if _, ok := m.Get(sessionID); !ok {
			return nil, 0, apperrors.SessionNotFound(sessionID)
		}
	} else if row.UserID != userID {
		return nil, 0, apperrors.PermissionDenied("session belongs to another user")
	}
	return newHistory(m.ws, userID, sessionID).Page(limit, offset)
}

// ListByProject lists a user's indexed sessions for one project.
func (m *Manager) ListByProject(ctx context.Context, userID int64, projectPath string) ([]store.Row, error) {
	return m.store.ListByProject(ctx, userID, projectPath)
}

func (m *Manager) publish(ctx context.Context, sessionID, event, eventType string, extra map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	data := map[string]interface{}{"session_id": sessionID}
	for k, v := range extra {
		data[k] = v
	}
	subject := events.BuildSessionSubject(sessionID, event)
	if err := m.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, "session-manager", data)); err != nil {
		m.logger.Debug("failed to publish session event", zap.String("subject", subject), zap.Error(err))
	}
}
