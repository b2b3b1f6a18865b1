package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/common/logger"
	"github.com/claudebox/claudebox/internal/db"
	"github.com/claudebox/claudebox/internal/session/store"
	"github.com/claudebox/claudebox/internal/workspace"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	pool, err := db.Open(filepath.Join(t.TempDir(), "claudebox.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	st, err := store.New(pool)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	ws, err := workspace.NewManager(t.TempDir(), logger.Default())
	if err != nil {
		t.Fatalf("workspace.NewManager: %v", err)
	}
	for _, userID := range []int64{1, 2} {
		if err := ws.EnsureLayout(userID); err != nil {
			t.Fatalf("EnsureLayout: %v", err)
		}
	}
	return NewManager(ws, st, nil, logger.Default())
}

func TestStartAllocatesTempID(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Start(context.Background(), 1, "my-workspace", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !IsTempID(sess.ID()) {
		t.Errorf("expected temp ID, got %q", sess.ID())
	}
	if !sess.Active() {
		t.Error("new session should be active")
	}
	if !m.HasActiveSession(1) {
		t.Error("HasActiveSession(1) = false")
	}
	if m.HasActiveSession(2) {
		t.Error("HasActiveSession(2) = true")
	}
}

func TestStartAdoptsClientTempID(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Start(ctx, 1, "my-workspace", "temp-1736985600000")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.ID() != "temp-1736985600000" {
		t.Fatalf("session ID = %q, want the client's temp ID", sess.ID())
	}

	// The same ID resolves to the same session, so a duplicate command hits
	// the busy check instead of forking a second run.
	again, err := m.Start(ctx, 1, "my-workspace", "temp-1736985600000")
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if again != sess {
		t.Fatal("second Start forked a new session")
	}

	_, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.BeginCommand(sess.ID(), cancel); err != nil {
		t.Fatalf("BeginCommand: %v", err)
	}
	if err := m.BeginCommand(again.ID(), cancel); !apperrors.IsBusy(err) {
		t.Fatalf("duplicate command = %v, want Busy", err)
	}

	// A foreign user cannot adopt someone else's live temp session.
	if _, err := m.Start(ctx, 2, "my-workspace", "temp-1736985600000"); !apperrors.IsKind(err, apperrors.KindPermissionDenied) {
		t.Fatalf("foreign adopt = %v, want PermissionDenied", err)
	}
}

func TestRebindRenamesAndNotifies(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Start(ctx, 1, "my-workspace", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	tempID := sess.ID()

	if err := m.Ingest(ctx, tempID, KindUser, json.RawMessage(`{"text":"hello"}`)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	var notified string
	sess.SetRebindCallback(func(newID string) { notified = newID })

	realID := "b7e23ec2-8b4f-4f0e-9d3a-000000000001"
	if err := m.Rebind(ctx, tempID, realID); err != nil {
		t.Fatalf("Rebind: %v", err)
	}

	if notified != realID {
		t.Errorf("callback got %q", notified)
	}
	if sess.ID() != realID {
		t.Errorf("session ID = %q", sess.ID())
	}
	if _, ok := m.Get(tempID); ok {
		t.Error("temp ID still resolvable")
	}
	if _, ok := m.Get(realID); !ok {
		t.Error("real ID not resolvable")
	}

	// Pre-rebind ledger records moved with the session.
	records, _, err := m.Messages(ctx, 1, realID, 0, 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(records) != 1 || records[0].Kind != KindUser {
		t.Errorf("ledger not moved: %+v", records)
	}

	rows, err := m.ListByProject(ctx, 1, "my-workspace")
	if err != nil || len(rows) != 1 || rows[0].ID != realID {
		t.Errorf("index rows = %+v, %v", rows, err)
	}
}

func TestBeginCommandBusy(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, _ := m.Start(ctx, 1, "my-workspace", "")
	id := sess.ID()

	_, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.BeginCommand(id, cancel); err != nil {
		t.Fatalf("BeginCommand: %v", err)
	}
	if err := m.BeginCommand(id, cancel); !apperrors.IsBusy(err) {
		t.Fatalf("expected Busy, got %v", err)
	}

	m.FinishCommand(ctx, id, 0)
	if sess.Processing() {
		t.Error("processing not cleared")
	}
	if err := m.BeginCommand(id, cancel); err != nil {
		t.Errorf("BeginCommand after finish: %v", err)
	}
}

func TestAbortClearsProcessing(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, _ := m.Start(ctx, 1, "my-workspace", "")
	id := sess.ID()

	cancelled := make(chan struct{})
	cancel := context.CancelFunc(func() { close(cancelled) })
	if err := m.BeginCommand(id, cancel); err != nil {
		t.Fatalf("BeginCommand: %v", err)
	}

	start := time.Now()
	if err := m.Abort(ctx, id); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if time.Since(start) < abortGrace {
		t.Errorf("abort should wait the grace window when the exec never exits")
	}
	select {
	case <-cancelled:
	default:
		t.Error("abort did not cancel the exec")
	}
	if sess.Processing() {
		t.Error("processing still set after abort")
	}

	records, err := m.Tail(1, id, 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(records) != 1 || records[0].Kind != KindAborted {
		t.Errorf("aborted record missing: %+v", records)
	}
}

func TestAbortIdleSessionIsNoop(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, _ := m.Start(ctx, 1, "my-workspace", "")
	if err := m.Abort(ctx, sess.ID()); err != nil {
		t.Fatalf("Abort idle: %v", err)
	}
}

func TestResumeOwnership(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Index a finished session belonging to user 1.
	if err := m.store.Upsert(ctx, &store.Row{ID: "sess-own", UserID: 1, ProjectPath: "my-workspace"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if _, err := m.Start(ctx, 2, "my-workspace", "sess-own"); !apperrors.IsKind(err, apperrors.KindPermissionDenied) {
		t.Fatalf("foreign resume = %v, want PermissionDenied", err)
	}
	if _, err := m.Start(ctx, 1, "", "missing"); !apperrors.IsKind(err, apperrors.KindSessionNotFound) {
		t.Fatalf("unknown resume = %v, want SessionNotFound", err)
	}

	sess, err := m.Start(ctx, 1, "", "sess-own")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sess.ID() != "sess-own" || sess.ProjectPath != "my-workspace" {
		t.Errorf("resumed session = %+v", sess)
	}
}

func TestCloseKeepsProcessingSessionAlive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, _ := m.Start(ctx, 1, "my-workspace", "")
	id := sess.ID()

	_, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.BeginCommand(id, cancel); err != nil {
		t.Fatalf("BeginCommand: %v", err)
	}

	m.Close(id)
	if sess.Active() {
		t.Error("close should clear active")
	}
	if !m.HasActiveSession(1) {
		t.Error("processing session should still count as live for the sweeper")
	}
}
