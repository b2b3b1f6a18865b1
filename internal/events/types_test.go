package events

import "testing"

func TestBuildSubjects(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"sandbox state", BuildSandboxSubject(42, "running"), "sandbox.42.running"},
		{"sandbox wildcard", BuildSandboxWildcardSubject(42), "sandbox.42.*"},
		{"all sandboxes", BuildAllSandboxesSubject(), "sandbox.>"},
		{"session event", BuildSessionSubject("abc-123", "complete"), "session.abc-123.complete"},
		{"session wildcard", BuildSessionWildcardSubject("abc-123"), "session.abc-123.*"},
		{"projects updated", BuildProjectsUpdatedSubject(7), "workspace.7.projects_updated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
