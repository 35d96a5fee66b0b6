// Package auth guards operator endpoints with a shared admin secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyAdmin is set to true in the gin context for authenticated
// operator requests.
const ContextKeyAdmin = "admin"

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. A bare token is accepted too.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// RequireAdmin rejects requests whose bearer token does not match secret.
// An empty secret disables the check.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		token := BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include 'Authorization: Bearer <ADMIN_SECRET>' header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}

		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// IsAdmin reports whether RequireAdmin authenticated the request.
func IsAdmin(c *gin.Context) bool {
	v, ok := c.Get(ContextKeyAdmin)
	admin, _ := v.(bool)
	return ok && admin
}
