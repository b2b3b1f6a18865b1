// Package workspace owns the on-disk directory convention of the platform.
//
// Every user has a data directory under <root>/users/user_<id>/data that the
// supervisor bind-mounts at /workspace inside the sandbox with HOME=/workspace,
// so ~/.claude inside the container is exactly the host's .claude subtree.
// Host paths never leave this package; everything returned to clients is
// container-relative.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"go.uber.org/zap"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/common/logger"
)

// ContainerMount is where the user's data directory appears inside the sandbox.
const ContainerMount = "/workspace"

// DefaultProject is created for every user on first layout.
const DefaultProject = "my-workspace"

// claudeSubdirs are the extension and session directories under .claude.
var claudeSubdirs = []string{"agents", "commands", "skills", "hooks", "knowledge", "sessions"}

// baseSubdirs are the shared directories directly under the workspace root.
var baseSubdirs = []string{"database", filepath.Join("containers", "seccomp"), "logs", "backups", "users"}

// Manager resolves and maintains the workspace tree.
type Manager struct {
	root   string
	logger *logger.Logger
}

// NewManager creates a Manager rooted at the given directory. The root is
// made absolute so paths stay stable if the process chdirs.
func NewManager(root string, log *logger.Logger) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root %q: %w", root, err)
	}
	return &Manager{
		root:   abs,
		logger: log.WithFields(zap.String("component", "workspace")),
	}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// EnsureBase creates the shared workspace directories and installs the
// default seccomp profile if absent. Called once at startup.
func (m *Manager) EnsureBase() error {
	for _, sub := range baseSubdirs {
		if err := os.MkdirAll(filepath.Join(m.root, sub), 0o755); err != nil {
			return mapWriteErr(err)
		}
	}
	if err := m.ensureSeccompProfile(); err != nil {
		return err
	}
	m.logger.Debug("workspace base ensured", zap.String("root", m.root))
	return nil
}

// HostDataDir returns the host path bind-mounted at /workspace for a user.
func (m *Manager) HostDataDir(userID int64) string {
	return filepath.Join(m.root, "users", fmt.Sprintf("user_%d", userID), "data")
}

// SessionsDir returns the host directory holding a user's session ledgers.
func (m *Manager) SessionsDir(userID int64) string {
	return filepath.Join(m.HostDataDir(userID), ".claude", "sessions")
}

// ClaudeDir returns the host path of the user's .claude tree.
func (m *Manager) ClaudeDir(userID int64) string {
	return filepath.Join(m.HostDataDir(userID), ".claude")
}

// EnsureLayout creates the user's data directory tree. Idempotent and safe
// under concurrent callers: MkdirAll tolerates directories that appear
// between the check and the create.
func (m *Manager) EnsureLayout(userID int64) error {
	dataDir := m.HostDataDir(userID)
	for _, sub := range claudeSubdirs {
		if err := os.MkdirAll(filepath.Join(dataDir, ".claude", sub), 0o755); err != nil {
			return mapWriteErr(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dataDir, DefaultProject), 0o755); err != nil {
		return mapWriteErr(err)
	}
	m.logger.Debug("user layout ensured", zap.Int64("user_id", userID))
	return nil
}

// ToContainerPath maps a host path inside the user's data directory to its
// container-visible /workspace path. Paths outside the data directory are
// rejected with PathTraversal.
func (m *Manager) ToContainerPath(userID int64, hostPath string) (string, error) {
	dataDir := m.HostDataDir(userID)
	rel, err := filepath.Rel(dataDir, filepath.Clean(hostPath))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperrors.PathTraversal(hostPath)
	}
	if rel == "." {
		return ContainerMount, nil
	}
	return ContainerMount + "/" + filepath.ToSlash(rel), nil
}

// FromContainerPath maps a /workspace path back onto the host. Relative
// paths are taken relative to /workspace; anything escaping the mount is
// rejected. The relative form is cleaned before rooting: Clean on a rooted
// path swallows leading ".." segments instead of exposing them.
func (m *Manager) FromContainerPath(userID int64, containerPath string) (string, error) {
	rel := filepath.ToSlash(containerPath)
	switch {
	case rel == "" || rel == ContainerMount:
		rel = "."
	case strings.HasPrefix(rel, ContainerMount+"/"):
		rel = strings.TrimPrefix(rel, ContainerMount+"/")
	case strings.HasPrefix(rel, "/"):
		// Absolute paths outside the mount never map onto the data dir.
		return "", apperrors.PathTraversal(containerPath)
	}
	cleaned := path.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", apperrors.PathTraversal(containerPath)
	}
	if cleaned == "." {
		return m.HostDataDir(userID), nil
	}
	return filepath.Join(m.HostDataDir(userID), filepath.FromSlash(cleaned)), nil
}

// ProjectDir resolves a client-supplied project path to its host directory,
// rejecting traversal out of the user's data directory.
func (m *Manager) ProjectDir(userID int64, project string) (string, error) {
	if project == "" {
		project = DefaultProject
	}
	return m.FromContainerPath(userID, project)
}

// ContainerProjectDir returns the in-container working directory for a
// project path, validating it the same way as ProjectDir.
func (m *Manager) ContainerProjectDir(userID int64, project string) (string, error) {
	host, err := m.ProjectDir(userID, project)
	if err != nil {
		return "", err
	}
	return m.ToContainerPath(userID, host)
}

// ListProjects enumerates the user's project directories. Hidden entries and
// the .claude tree are excluded; names are container-relative.
func (m *Manager) ListProjects(userID int64) ([]string, error) {
	entries, err := os.ReadDir(m.HostDataDir(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	var projects []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		projects = append(projects, e.Name())
	}
	sort.Strings(projects)
	return projects, nil
}

// DatabasePath returns the path of the embedded database file.
func (m *Manager) DatabasePath() string {
	return filepath.Join(m.root, "database", "auth.db")
}

// RemoveUserData deletes a user's entire directory. Only the explicit
// delete-user administrative path calls this; eviction never does.
func (m *Manager) RemoveUserData(userID int64) error {
	dir := filepath.Join(m.root, "users", fmt.Sprintf("user_%d", userID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove user data: %w", err)
	}
	m.logger.Info("user data removed", zap.Int64("user_id", userID))
	return nil
}

// mapWriteErr converts ENOSPC into the DiskFull kind; provisioning treats it
// as fatal.
func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return apperrors.DiskFull(err)
	}
	return err
}
