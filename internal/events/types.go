// Package events defines the platform's event vocabulary and provides the
// configured bus implementation.
package events

import "fmt"

// Event types for sandbox lifecycle
const (
	SandboxStateChanged   = "sandbox.state_changed"
	SandboxMetricsSampled = "sandbox.metrics_sampled"
)

// Event types for sessions
const (
	SessionCreated   = "session.created"
	SessionRenamed   = "session.renamed"
	SessionAborted   = "session.aborted"
	SessionCompleted = "session.completed"
)

// Event types for workspaces
const (
	ProjectsUpdated = "workspace.projects_updated"
)

// Event types for extensions
const (
	ExtensionsSynced = "extensions.synced"
)

// Event types for user settings
const (
	UserSettingsUpdated = "user.settings.updated"
)

// ExtensionsSyncedSubject carries sync completion reports.
const ExtensionsSyncedSubject = "extensions.synced"

// BuildSandboxSubject creates a subject for one sandbox state transition.
// State is one of: creating, running, stopped, removing, removed, failed.
func BuildSandboxSubject(userID int64, state string) string {
	return fmt.Sprintf("sandbox.%d.%s", userID, state)
}

// BuildSandboxWildcardSubject creates a subscription subject covering all
// state transitions of one user's sandbox.
func BuildSandboxWildcardSubject(userID int64) string {
	return fmt.Sprintf("sandbox.%d.*", userID)
}

// BuildAllSandboxesSubject creates a subscription subject covering every
// sandbox transition on the platform.
func BuildAllSandboxesSubject() string {
	return "sandbox.>"
}

// BuildSessionSubject creates a subject for one session event.
// Event is one of: created, renamed, aborted, complete.
func BuildSessionSubject(sessionID, event string) string {
	return fmt.Sprintf("session.%s.%s", sessionID, event)
}

// BuildSessionWildcardSubject creates a subscription subject covering all
// events of one session.
func BuildSessionWildcardSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.*", sessionID)
}

// BuildProjectsUpdatedSubject creates the subject announcing that a user's
// project list changed.
func BuildProjectsUpdatedSubject(userID int64) string {
	return fmt.Sprintf("workspace.%d.projects_updated", userID)
}
