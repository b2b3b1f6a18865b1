package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
)

func TestIssueAndVerify(t *testing.T) {
	m := NewTokenManager("test-secret", time.Hour)

	token, expiresAt, err := m.Issue(42, "alice", "pro", false)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "pro", claims.Tier)
	assert.False(t, claims.IsAdmin)
}

func TestVerifyExpiredToken(t *testing.T) {
	m := NewTokenManager("test-secret", -time.Minute)

	token, _, err := m.Issue(1, "bob", "free", false)
	require.NoError(t, err)

	_, err = m.Verify(token)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTokenExpired))
}

func TestVerifyWrongKey(t *testing.T) {
	issuerMgr := NewTokenManager("key-a", time.Hour)
	verifierMgr := NewTokenManager("key-b", time.Hour)

	token, _, err := issuerMgr.Issue(1, "bob", "free", false)
	require.NoError(t, err)

	_, err = verifierMgr.Verify(token)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTokenExpired))
}

func TestVerifyGarbage(t *testing.T) {
	m := NewTokenManager("test-secret", time.Hour)
	_, err := m.Verify("not-a-token")
	assert.True(t, apperrors.IsKind(err, apperrors.KindTokenExpired))
}

func TestAdminClaimRoundTrip(t *testing.T) {
	m := NewTokenManager("test-secret", time.Hour)
	token, _, err := m.Issue(7, "root", "enterprise", true)
	require.NoError(t, err)

	claims, err := m.Verify(token)
	require.NoError(t, err)
	assert.True(t, claims.IsAdmin)
}

func TestHashAndVerifyPassword(t *testing.T) {
	digest, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.Contains(t, digest, "argon2id$")

	ok, err := VerifyPassword("hunter2", digest)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong", digest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashPasswordSaltsDiffer(t *testing.T) {
	a, err := HashPassword("same")
	require.NoError(t, err)
	b, err := HashPassword("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerifyPasswordBadDigest(t *testing.T) {
	_, err := VerifyPassword("x", "bcrypt$whatever")
	assert.Error(t, err)

	_, err = VerifyPassword("x", "argon2id$1$2$3")
	assert.Error(t, err)
}
