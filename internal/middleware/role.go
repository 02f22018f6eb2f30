package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
)

// RequireRole lets the request through when the token's role is one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(CtxRole)
		if role == "" {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED", "Role not found in token")
			return
		}
		if !slices.Contains(roles, role) {
			abort(c, http.StatusForbidden, "FORBIDDEN", "Access denied: insufficient permissions")
			return
		}
		c.Next()
	}
}

func AdminOnly() gin.HandlerFunc {
	return RequireRole("admin", "owner")
}
