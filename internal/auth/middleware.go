package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
)

const claimsContextKey = "auth.claims"

// Middleware validates the bearer token on control-surface requests and
// stores the verified claims in the gin context.
func Middleware(tokens *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   apperrors.KindTokenExpired,
				"message": "missing bearer token",
			})
			return
		}
		claims, err := tokens.Verify(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(apperrors.GetHTTPStatus(err), gin.H{
				"success": false,
				"error":   apperrors.GetKind(err),
				"message": "authentication failed",
			})
			return
		}
		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// AdminOnly allows admin users through, or any caller presenting the
// configured admin token. Must run after Middleware unless an admin token
// is presented.
func AdminOnly(tokens *TokenManager, adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminToken != "" {
			presented := bearerToken(c)
			if presented != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(adminToken)) == 1 {
				c.Next()
				return
			}
		}
		if claims := ClaimsFrom(c); claims != nil && claims.IsAdmin {
			c.Next()
			return
		}
		// The caller may not have passed Middleware yet (admin-token-only
		// routes); try the bearer token directly.
		if presented := bearerToken(c); presented != "" {
			if claims, err := tokens.Verify(presented); err == nil && claims.IsAdmin {
				c.Set(claimsContextKey, claims)
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   apperrors.KindForbidden,
			"message": "admin access required",
		})
	}
}

// ClaimsFrom returns the verified claims stored by Middleware, or nil.
func ClaimsFrom(c *gin.Context) *Claims {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}
