package extensions

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/claudebox/claudebox/internal/common/logger"
	"github.com/claudebox/claudebox/internal/events"
	"github.com/claudebox/claudebox/internal/events/bus"
	"github.com/claudebox/claudebox/internal/workspace"
)

// writeBundle lays out a representative managed bundle under dir.
func writeBundle(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		"agents/reviewer.json":              `{"name":"reviewer"}`,
		"agents/notes.txt":                  "wrong extension, must be skipped",
		"agents/README.md":                  "excluded",
		"commands/deploy.md":                "# deploy",
		"commands/.hidden.md":               "excluded",
		"skills/code-review/SKILL.md":       "---\nname: code-review\ndescription: Reviews diffs\n---\n# Skill",
		"skills/code-review/checklist.md":   "- item",
		"hooks/pre-commit.js":               "module.exports = {}",
		"hooks/docs/usage.md":               "hook docs",
		"knowledge/style.md":                "style guide",
		"knowledge/refs/links.txt":          "links",
		"knowledge/binary.bin":              "wrong extension",
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func newTestSyncer(t *testing.T) (*Syncer, *workspace.Manager) {
	t.Helper()
	source := t.TempDir()
	writeBundle(t, source)
	ws, err := workspace.NewManager(t.TempDir(), logger.Default())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return NewSyncer(source, ws, nil, nil, logger.Default()), ws
}

func readUserFile(t *testing.T, ws *workspace.Manager, userID int64, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(ws.ClaudeDir(userID), filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

func userFileExists(ws *workspace.Manager, userID int64, rel string) bool {
	_, err := os.Stat(filepath.Join(ws.ClaudeDir(userID), filepath.FromSlash(rel)))
	return err == nil
}

func TestSyncOneInstallsAllowedFiles(t *testing.T) {
	s, ws := newTestSyncer(t)
	if err := s.SyncOne(context.Background(), 1, Options{}); err != nil {
		t.Fatalf("SyncOne: %v", err)
	}

	for _, rel := range []string{
		"agents/reviewer.json",
		"commands/deploy.md",
		"skills/code-review/SKILL.md",
		"skills/code-review/checklist.md",
		"hooks/pre-commit.js",
		"hooks/docs/usage.md",
		"knowledge/style.md",
		"knowledge/refs/links.txt",
	} {
		if !userFileExists(ws, 1, rel) {
			t.Errorf("expected %s to be installed", rel)
		}
	}
	for _, rel := range []string{
		"agents/notes.txt",
		"agents/README.md",
		"commands/.hidden.md",
		"knowledge/binary.bin",
	} {
		if userFileExists(ws, 1, rel) {
			t.Errorf("expected %s to be excluded", rel)
		}
	}
}

func TestSyncOnePreservesUserEditsWithoutOverwrite(t *testing.T) {
	s, ws := newTestSyncer(t)
	if err := s.SyncOne(context.Background(), 2, Options{}); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	edited := filepath.Join(ws.ClaudeDir(2), "commands", "deploy.md")
	if err := os.WriteFile(edited, []byte("user version"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.SyncOne(context.Background(), 2, Options{OverwriteUserFiles: false}); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got := readUserFile(t, ws, 2, "commands/deploy.md"); got != "user version" {
		t.Errorf("user edit clobbered: %q", got)
	}

	if err := s.SyncOne(context.Background(), 2, Options{OverwriteUserFiles: true}); err != nil {
		t.Fatalf("overwrite sync: %v", err)
	}
	if got := readUserFile(t, ws, 2, "commands/deploy.md"); got != "# deploy" {
		t.Errorf("overwrite did not restore managed content: %q", got)
	}
}

func TestSyncOneIdempotent(t *testing.T) {
	s, ws := newTestSyncer(t)
	opts := Options{OverwriteUserFiles: true}
	if err := s.SyncOne(context.Background(), 3, opts); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	before := readUserFile(t, ws, 3, "agents/reviewer.json")
	if err := s.SyncOne(context.Background(), 3, opts); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if after := readUserFile(t, ws, 3, "agents/reviewer.json"); after != before {
		t.Errorf("repeated sync changed content: %q vs %q", before, after)
	}
}

func TestSyncOneLeavesForeignFilesAlone(t *testing.T) {
	s, ws := newTestSyncer(t)
	if err := ws.EnsureLayout(4); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	foreign := filepath.Join(ws.ClaudeDir(4), "settings.json")
	if err := os.WriteFile(foreign, []byte(`{"mine":true}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.SyncOne(context.Background(), 4, Options{OverwriteUserFiles: true}); err != nil {
		t.Fatalf("SyncOne: %v", err)
	}
	data, err := os.ReadFile(foreign)
	if err != nil || string(data) != `{"mine":true}` {
		t.Errorf("foreign file touched: %s, %v", data, err)
	}
}

func TestSyncOnePublishesProjectsUpdated(t *testing.T) {
	source := t.TempDir()
	writeBundle(t, source)
	ws, err := workspace.NewManager(t.TempDir(), logger.Default())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	s := NewSyncer(source, ws, nil, eventBus, logger.Default())

	received := make(chan *bus.Event, 1)
	_, err = eventBus.Subscribe(events.BuildProjectsUpdatedSubject(7), func(ctx context.Context, event *bus.Event) error {
		select {
		case received <- event:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := s.SyncOne(context.Background(), 7, Options{}); err != nil {
		t.Fatalf("SyncOne: %v", err)
	}

	select {
	case event := <-received:
		if event.Type != events.ProjectsUpdated {
			t.Errorf("event type = %q, want %q", event.Type, events.ProjectsUpdated)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no projects update published after sync")
	}
}

func TestSyncAllReportsPerUserFailures(t *testing.T) {
	s, _ := newTestSyncer(t)

	report := s.SyncAll(context.Background(), []int64{10, 11, 12}, Options{})
	if report.Total != 3 || report.Synced != 3 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestBundleVersionAdvancesOnChange(t *testing.T) {
	s, _ := newTestSyncer(t)

	v1, err := s.BundleVersion()
	if err != nil {
		t.Fatalf("BundleVersion: %v", err)
	}
	if v1 == 0 {
		t.Fatal("expected non-zero version for populated bundle")
	}

	// A missing source is version zero, not an error.
	empty := NewSyncer(filepath.Join(t.TempDir(), "absent"), nil, nil, nil, logger.Default())
	v, err := empty.BundleVersion()
	if err != nil {
		t.Fatalf("BundleVersion on absent source: %v", err)
	}
	if v != 0 {
		t.Errorf("absent source version = %d, want 0", v)
	}
}

func TestListInventory(t *testing.T) {
	s, _ := newTestSyncer(t)
	inv, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if len(inv.Agents) != 1 || inv.Agents[0].Name != "reviewer.json" {
		t.Errorf("agents = %+v", inv.Agents)
	}
	if len(inv.Commands) != 1 || inv.Commands[0].Name != "deploy.md" {
		t.Errorf("commands = %+v", inv.Commands)
	}
	if len(inv.Skills) != 1 {
		t.Fatalf("skills = %+v", inv.Skills)
	}
	if inv.Skills[0].Name != "code-review" || inv.Skills[0].Description != "Reviews diffs" {
		t.Errorf("skill front-matter not parsed: %+v", inv.Skills[0])
	}
	if len(inv.Hooks) != 2 {
		t.Errorf("hooks = %+v", inv.Hooks)
	}
	if len(inv.Knowledge) != 2 {
		t.Errorf("knowledge = %+v", inv.Knowledge)
	}
}

func TestParseFrontMatterMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no front matter", "# just markdown"},
		{"unterminated", "---\nname: x\n"},
		{"invalid yaml", "---\n: : :\n---\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := parseFrontMatter([]byte(tt.data)); ok {
				t.Error("expected front-matter parse to fail")
			}
		})
	}
}
