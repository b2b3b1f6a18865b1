package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/claudebox/claudebox/internal/auth"
	"github.com/claudebox/claudebox/internal/common/logger"
	"github.com/claudebox/claudebox/internal/db"
	"github.com/claudebox/claudebox/internal/user/service"
	"github.com/claudebox/claudebox/internal/user/store"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool, err := db.Open(filepath.Join(t.TempDir(), "claudebox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	st, err := store.New(pool)
	require.NoError(t, err)

	tokens := auth.NewTokenManager("test-signing-key", 0)
	svc := service.NewService(st, tokens, nil, func(context.Context, int64) bool { return false }, logger.Default())
	h := NewHandlers(svc, logger.Default())

	router := gin.New()
	public := router.Group("/api")
	authed := router.Group("/api", auth.Middleware(tokens))
	h.RegisterRoutes(public, authed)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func registerUser(t *testing.T, router *gin.Engine, username string) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/auth/register", "", gin.H{
		"username": username,
		"password": "long-enough-pw",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestRegisterLoginFlow(t *testing.T) {
	router := newTestRouter(t)
	registerUser(t, router, "alice")

	w := doJSON(t, router, http.MethodPost, "/api/auth/login", "", gin.H{
		"username": "alice",
		"password": "long-enough-pw",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Token          string `json:"token"`
		ContainerReady bool   `json:"containerReady"`
		WorkspacePath  string `json:"workspacePath"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	require.False(t, resp.ContainerReady)
	require.Equal(t, "/workspace", resp.WorkspacePath)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	router := newTestRouter(t)
	registerUser(t, router, "bob")

	w := doJSON(t, router, http.MethodPost, "/api/auth/login", "", gin.H{
		"username": "bob",
		"password": "not-the-password",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "InvalidCredentials", resp.Error)
}

func TestMeRequiresToken(t *testing.T) {
	router := newTestRouter(t)
	token := registerUser(t, router, "carol")

	w := doJSON(t, router, http.MethodGet, "/api/users/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/users/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var user struct {
		Username string `json:"username"`
		Tier     string `json:"tier"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))
	require.Equal(t, "carol", user.Username)
	require.Equal(t, "free", user.Tier)
}

func TestSettingsEndpoints(t *testing.T) {
	router := newTestRouter(t)
	token := registerUser(t, router, "dave")

	w := doJSON(t, router, http.MethodGet, "/api/users/settings/claude", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/users/settings/copilot", token, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var errResp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	require.Equal(t, "UnknownProvider", errResp.Error)

	w = doJSON(t, router, http.MethodPut, "/api/users/settings/claude", token, gin.H{
		"allowed_tools":    []string{"Bash"},
		"skip_permissions": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodGet, "/api/users/settings/claude", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var settings struct {
		AllowedTools    []string `json:"allowed_tools"`
		SkipPermissions bool     `json:"skip_permissions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	require.Equal(t, []string{"Bash"}, settings.AllowedTools)
	require.True(t, settings.SkipPermissions)

	// Defaults stay factory even after a save.
	w = doJSON(t, router, http.MethodGet, "/api/users/settings/claude/defaults", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	require.Empty(t, settings.AllowedTools)
	require.False(t, settings.SkipPermissions)
}
