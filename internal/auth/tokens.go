// Package auth issues and verifies the bearer tokens shared by the HTTP
// control surface and the WebSocket gateway, and hashes user credentials.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
)

const issuer = "claudebox"

// Claims is the verified identity carried by a bearer token.
type Claims struct {
	UserID   int64
	Username string
	Tier     string
	IsAdmin  bool
	Expires  time.Time
}

// TokenManager signs and parses HS256 bearer tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager creates a TokenManager. TTL defaults to 24h when zero.
func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for the given identity.
func (m *TokenManager) Issue(userID int64, username, tier string, isAdmin bool) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, errors.New("token signing key not configured")
	}
	expiresAt := time.Now().Add(m.ttl)
	claims := jwt.MapClaims{
		"sub":      fmt.Sprintf("%d", userID),
		"user_id":  userID,
		"username": username,
		"tier":     tier,
		"admin":    isAdmin,
		"exp":      expiresAt.Unix(),
		"iat":      time.Now().Unix(),
		"iss":      issuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify parses a token and returns its claims. Expired, malformed or
// wrongly-signed tokens all surface as the TokenExpired kind so the gateway
// can close with a single auth failure reason.
func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.TokenExpired("token expired")
		}
		return nil, apperrors.TokenExpired("invalid token")
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, apperrors.TokenExpired("invalid token claims")
	}

	userID, _ := mapClaims["user_id"].(float64)
	username, _ := mapClaims["username"].(string)
	tier, _ := mapClaims["tier"].(string)
	isAdmin, _ := mapClaims["admin"].(bool)
	exp, _ := mapClaims["exp"].(float64)
	if userID <= 0 {
		return nil, apperrors.TokenExpired("token missing user identity")
	}

	return &Claims{
		UserID:   int64(userID),
		Username: username,
		Tier:     tier,
		IsAdmin:  isAdmin,
		Expires:  time.Unix(int64(exp), 0),
	}, nil
}
