package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/common/logger"
	"github.com/claudebox/claudebox/internal/db"
)

func newTestService(t *testing.T, probe CommandProbe) *Service {
	t.Helper()
	pool, err := db.Open(filepath.Join(t.TempDir(), "claudebox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	st, err := NewStore(pool)
	require.NoError(t, err)
	return NewService(st, probe, logger.Default())
}

func stdioRecord(userID int64, name, command string) *Record {
	cfg, _ := json.Marshal(StdioConfig{Command: command, Args: []string{"--stdio"}})
	return &Record{UserID: userID, Name: name, Type: TypeStdio, Config: cfg, Enabled: true}
}

func httpRecord(userID int64, name, url string) *Record {
	cfg, _ := json.Marshal(RemoteConfig{URL: url})
	return &Record{UserID: userID, Name: name, Type: TypeHTTP, Config: cfg, Enabled: true}
}

func TestCreateListUpdateDelete(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	rec, err := s.Create(ctx, stdioRecord(1, "filesystem", "mcp-filesystem"))
	require.NoError(t, err)
	require.NotZero(t, rec.ID)
	require.False(t, rec.CreatedAt.IsZero())

	_, err = s.Create(ctx, httpRecord(1, "search", "http://search.internal/mcp"))
	require.NoError(t, err)

	records, err := s.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "filesystem", records[0].Name)
	require.Equal(t, "search", records[1].Name)

	// Another user sees nothing.
	records, err = s.List(ctx, 2)
	require.NoError(t, err)
	require.Empty(t, records)

	updated := httpRecord(1, "search", "http://search.internal/v2/mcp")
	updated.ID = serverID(t, s, 1, "search")
	updated.Enabled = false
	saved, err := s.Update(ctx, updated)
	require.NoError(t, err)
	require.False(t, saved.Enabled)
	require.False(t, saved.CreatedAt.IsZero())

	require.NoError(t, s.Delete(ctx, 1, rec.ID))
	records, err = s.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func serverID(t *testing.T, s *Service, userID int64, name string) int64 {
	t.Helper()
	records, err := s.List(context.Background(), userID)
	require.NoError(t, err)
	for _, rec := range records {
		if rec.Name == name {
			return rec.ID
		}
	}
	t.Fatalf("server %q not found", name)
	return 0
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	_, err := s.Create(ctx, &Record{UserID: 1, Type: TypeStdio, Config: json.RawMessage(`{}`)})
	require.True(t, apperrors.IsKind(err, apperrors.KindInvalidMcpConfig))

	_, err = s.Create(ctx, &Record{UserID: 1, Name: "x", Type: TypeStdio, Config: json.RawMessage(`{}`)})
	require.True(t, apperrors.IsKind(err, apperrors.KindInvalidMcpConfig))

	_, err = s.Create(ctx, &Record{UserID: 1, Name: "x", Type: TypeHTTP, Config: json.RawMessage(`{}`)})
	require.True(t, apperrors.IsKind(err, apperrors.KindInvalidMcpConfig))

	_, err = s.Create(ctx, &Record{UserID: 1, Name: "x", Type: "grpc", Config: json.RawMessage(`{}`)})
	require.True(t, apperrors.IsKind(err, apperrors.KindInvalidMcpConfig))
}

func TestCreateDuplicateName(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	_, err := s.Create(ctx, stdioRecord(1, "filesystem", "mcp-filesystem"))
	require.NoError(t, err)

	_, err = s.Create(ctx, stdioRecord(1, "filesystem", "other-command"))
	require.Error(t, err)
	require.Equal(t, http.StatusConflict, apperrors.GetHTTPStatus(err))

	// Same name under a different user is fine.
	_, err = s.Create(ctx, stdioRecord(2, "filesystem", "mcp-filesystem"))
	require.NoError(t, err)
}

func TestUpdateAndDeleteScopeToOwner(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	rec, err := s.Create(ctx, stdioRecord(1, "filesystem", "mcp-filesystem"))
	require.NoError(t, err)

	foreign := stdioRecord(2, "filesystem", "mcp-filesystem")
	foreign.ID = rec.ID
	_, err = s.Update(ctx, foreign)
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, apperrors.GetHTTPStatus(err))

	err = s.Delete(ctx, 2, rec.ID)
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, apperrors.GetHTTPStatus(err))
}

func TestStdioProbe(t *testing.T) {
	var probed string
	probe := func(ctx context.Context, userID int64, command string) (bool, error) {
		probed = command
		return command == "mcp-filesystem", nil
	}
	s := newTestService(t, probe)
	ctx := context.Background()

	rec, err := s.Create(ctx, stdioRecord(7, "filesystem", "mcp-filesystem"))
	require.NoError(t, err)

	result, err := s.Test(ctx, 7, rec.ID)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, "mcp-filesystem", probed)

	missing, err := s.Create(ctx, stdioRecord(7, "ghost", "not-installed"))
	require.NoError(t, err)
	result, err = s.Test(ctx, 7, missing.ID)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Contains(t, result.Message, "not-installed")
}

func TestStdioProbeWithoutSandbox(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	rec, err := s.Create(ctx, stdioRecord(7, "filesystem", "mcp-filesystem"))
	require.NoError(t, err)

	result, err := s.Test(ctx, 7, rec.ID)
	require.NoError(t, err)
	require.False(t, result.OK)
}

func TestToolsUnsupportedForStdio(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	rec, err := s.Create(ctx, stdioRecord(3, "filesystem", "mcp-filesystem"))
	require.NoError(t, err)

	result, err := s.Tools(ctx, 3, rec.ID)
	require.NoError(t, err)
	require.False(t, result.Supported)
	require.Empty(t, result.Tools)
}

func TestConfigJSON(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	doc, err := s.ConfigJSON(ctx, 5)
	require.NoError(t, err)
	require.Empty(t, doc)

	_, err = s.Create(ctx, stdioRecord(5, "filesystem", "mcp-filesystem"))
	require.NoError(t, err)
	_, err = s.Create(ctx, httpRecord(5, "search", "http://search.internal/mcp"))
	require.NoError(t, err)

	disabled := stdioRecord(5, "off", "disabled-server")
	disabled.Enabled = false
	_, err = s.Create(ctx, disabled)
	require.NoError(t, err)

	doc, err = s.ConfigJSON(ctx, 5)
	require.NoError(t, err)

	var parsed struct {
		Servers map[string]configEntry `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal([]byte(doc), &parsed))
	require.Len(t, parsed.Servers, 2)
	require.Equal(t, "mcp-filesystem", parsed.Servers["filesystem"].Command)
	require.Equal(t, []string{"--stdio"}, parsed.Servers["filesystem"].Args)
	require.Equal(t, "http", parsed.Servers["search"].Type)
	require.Equal(t, "http://search.internal/mcp", parsed.Servers["search"].URL)
	require.NotContains(t, parsed.Servers, "off")
}
