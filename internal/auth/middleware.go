package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyUserID is the gin context key holding the authenticated user id.
const ContextKeyUserID = "authUserID"

// Middleware verifies the bearer token, if any, and sets authUserID.
// Requests without a valid token pass through unauthenticated.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := bearer(c.GetHeader("Authorization")); raw != "" {
			if userID, err := m.Verify(raw); err == nil {
				c.Set(ContextKeyUserID, userID)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without an authenticated user.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetAuthenticatedUser(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Sign in required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// GetAuthenticatedUser returns the authenticated user id, or "".
func GetAuthenticatedUser(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// Me handles GET /v1/auth/me
func Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user_id": GetAuthenticatedUser(c)})
}
