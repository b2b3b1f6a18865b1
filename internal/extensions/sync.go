// Package extensions copies the managed extension bundle into user
// workspaces and lists its contents for the admin surface.
//
// The bundle lives under a single source-of-truth directory mirroring the
// .claude layout. Sync is table-driven: each subtree declares what entry
// kinds it accepts and which file extensions are allowed. Copies are
// per-file, not atomic at bundle scope; re-running a sync with the same
// overwrite flag converges.
package extensions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/common/logger"
	"github.com/claudebox/claudebox/internal/events"
	"github.com/claudebox/claudebox/internal/events/bus"
	"github.com/claudebox/claudebox/internal/workspace"
)

// entryKind says what directory entries a bundle subtree accepts.
type entryKind int

const (
	filesOnly entryKind = iota
	dirsOnly
	filesAndDirs
)

// bundleRule describes one managed subtree.
type bundleRule struct {
	subtree string
	exts    []string
	kind    entryKind
}

// syncTable is the complete managed surface. Anything outside these
// subtrees is never touched, preserving user-authored content.
var syncTable = []bundleRule{
	{subtree: "agents", exts: []string{".json"}, kind: filesOnly},
	{subtree: "commands", exts: []string{".md"}, kind: filesOnly},
	{subtree: "skills", kind: dirsOnly},
	{subtree: "hooks", exts: []string{".js", ".md"}, kind: filesAndDirs},
	{subtree: "knowledge", exts: []string{".md", ".txt"}, kind: filesAndDirs},
}

// syncAllConcurrency bounds the SyncAll fan-out.
const syncAllConcurrency = 4

// Options controls how a sync treats files the user already has.
type Options struct {
	// OverwriteUserFiles replaces existing files; otherwise they are skipped.
	OverwriteUserFiles bool `json:"overwriteUserFiles"`
}

// UserError reports one user's sync failure inside a fan-out.
type UserError struct {
	UserID int64  `json:"userId"`
	Error  string `json:"error"`
}

// Report summarises a SyncAll run. Partial success is not an error.
type Report struct {
	Total  int         `json:"total"`
	Synced int         `json:"synced"`
	Failed int         `json:"failed"`
	Errors []UserError `json:"errors,omitempty"`
}

// Locker serialises syncs with the other per-user lifecycle operations.
// The supervisor provides it.
type Locker interface {
	WithUserLock(userID int64, fn func() error) error
}

// Syncer copies the managed bundle into user workspaces.
type Syncer struct {
	source   string
	ws       *workspace.Manager
	locker   Locker
	eventBus bus.EventBus
	logger   *logger.Logger

	mu      sync.Mutex
	version int64
}

// NewSyncer creates a Syncer for the given bundle source directory.
func NewSyncer(source string, ws *workspace.Manager, locker Locker, eventBus bus.EventBus, log *logger.Logger) *Syncer {
	return &Syncer{
		source:   source,
		ws:       ws,
		locker:   locker,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "extensions")),
	}
}

// BundleVersion returns the bundle's implicit version: the newest mtime in
// the source tree, as unix nanoseconds. The supervisor compares it against
// the version it last installed to skip redundant re-syncs.
func (s *Syncer) BundleVersion() (int64, error) {
	var newest int64
	err := filepath.WalkDir(s.source, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if t := info.ModTime().UnixNano(); t > newest {
			newest = t
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to walk bundle source: %w", err)
	}
	s.mu.Lock()
	s.version = newest
	s.mu.Unlock()
	return newest, nil
}

// SyncOne installs the bundle into one user's .claude tree. The caller's
// identity directory must already exist (EnsureLayout). Serialised against
// the user's other lifecycle operations via the supervisor lock.
func (s *Syncer) SyncOne(ctx context.Context, userID int64, opts Options) error {
	sync := func() error { return s.syncLocked(ctx, userID, opts) }
	if s.locker != nil {
		return s.locker.WithUserLock(userID, sync)
	}
	return sync()
}

// SyncOneHeld is SyncOne for callers already holding the user's lifecycle
// lock, such as the supervisor mid-acquire.
func (s *Syncer) SyncOneHeld(ctx context.Context, userID int64, opts Options) error {
	return s.syncLocked(ctx, userID, opts)
}

func (s *Syncer) syncLocked(ctx context.Context, userID int64, opts Options) error {
	if err := s.ws.EnsureLayout(userID); err != nil {
		return err
	}
	target := s.ws.ClaudeDir(userID)
	for _, rule := range syncTable {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.syncSubtree(rule, filepath.Join(target, rule.subtree), opts); err != nil {
			return fmt.Errorf("failed to sync %s: %w", rule.subtree, err)
		}
	}
	s.logger.Debug("bundle synced",
		zap.Int64("user_id", userID),
		zap.Bool("overwrite", opts.OverwriteUserFiles))
	s.publishProjectsUpdated(ctx, userID)
	return nil
}

// publishProjectsUpdated nudges the user's attached gateways to refresh
// their project list; syncing materializes the default project on first
// layout.
func (s *Syncer) publishProjectsUpdated(ctx context.Context, userID int64) {
	if s.eventBus == nil {
		return
	}
	subject := events.BuildProjectsUpdatedSubject(userID)
	event := bus.NewEvent(events.ProjectsUpdated, "extensions", map[string]interface{}{
		"user_id": userID,
	})
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Debug("failed to publish projects update", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// SyncAll fans SyncOne over the given users with bounded concurrency.
// Individual failures are collected in the report, never returned.
func (s *Syncer) SyncAll(ctx context.Context, userIDs []int64, opts Options) *Report {
	report := &Report{Total: len(userIDs)}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncAllConcurrency)
	for _, userID := range userIDs {
		g.Go(func() error {
			err := s.SyncOne(gctx, userID, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, UserError{UserID: userID, Error: err.Error()})
				s.logger.Warn("user sync failed", zap.Int64("user_id", userID), zap.Error(err))
			} else {
				report.Synced++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Errors, func(i, j int) bool { return report.Errors[i].UserID < report.Errors[j].UserID })

	if s.eventBus != nil {
		_ = s.eventBus.Publish(ctx, events.ExtensionsSyncedSubject, bus.NewEvent(events.ExtensionsSynced, "extensions", map[string]interface{}{
			"total":  report.Total,
			"synced": report.Synced,
			"failed": report.Failed,
		}))
	}
	s.logger.Info("bundle sync completed",
		zap.Int("total", report.Total),
		zap.Int("synced", report.Synced),
		zap.Int("failed", report.Failed))
	return report
}

func (s *Syncer) syncSubtree(rule bundleRule, targetDir string, opts Options) error {
	sourceDir := filepath.Join(s.source, rule.subtree)
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if excluded(entry.Name()) {
			continue
		}
		src := filepath.Join(sourceDir, entry.Name())
		dst := filepath.Join(targetDir, entry.Name())

		switch {
		case entry.IsDir():
			if rule.kind == filesOnly {
				continue
			}
			if err := s.copyTree(src, dst, opts); err != nil {
				return err
			}
		default:
			if rule.kind == dirsOnly {
				continue
			}
			if !allowedExt(entry.Name(), rule.exts) {
				continue
			}
			if err := copyFile(src, dst, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

// copyTree copies a directory recursively. Inside a copied tree every
// regular file is taken (skills ship whatever they need); exclusions still
// apply.
func (s *Syncer) copyTree(sourceDir, targetDir string, opts Options) error {
	return filepath.WalkDir(sourceDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if excluded(d.Name()) && path != sourceDir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(targetDir, rel)
		if d.IsDir() {
			return mapWriteErr(os.MkdirAll(dst, 0o755))
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, dst, opts)
	})
}

// copyFile copies one file. Existing targets are only replaced when
// overwrite is requested.
func copyFile(src, dst string, opts Options) error {
	if !opts.OverwriteUserFiles {
		if _, err := os.Stat(dst); err == nil {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return mapWriteErr(err)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return mapWriteErr(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return mapWriteErr(err)
	}
	return mapWriteErr(out.Close())
}

// excluded rejects dot-files and README.md anywhere in the bundle.
func excluded(name string) bool {
	return strings.HasPrefix(name, ".") || name == "README.md"
}

func allowedExt(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range exts {
		if ext == allowed {
			return true
		}
	}
	return false
}

func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return apperrors.DiskFull(err)
	}
	return err
}
