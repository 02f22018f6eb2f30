package middleware

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// InternalToken guards operational endpoints (metrics) with a static bearer
// token and an optional IP allow list. An empty token leaves them open, which
// is only accepted outside prod (see config validation).
func InternalToken(expected string, allowedIPs []string, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(allowedIPs) > 0 && !slices.Contains(allowedIPs, c.ClientIP()) {
			logInternalFailure(log, c, http.StatusForbidden, "ip_not_allowed")
			abort(c, http.StatusForbidden, "FORBIDDEN", "IP not allowed")
			return
		}
		if expected == "" {
			c.Next()
			return
		}

		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			logInternalFailure(log, c, http.StatusUnauthorized, "missing_auth")
			abort(c, http.StatusUnauthorized, "AUTH_MISSING", "Authorization header must be 'Bearer <token>'")
			return
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(expected)) != 1 {
			logInternalFailure(log, c, http.StatusForbidden, "invalid_token")
			abort(c, http.StatusForbidden, "AUTH_INVALID", "Invalid internal token")
			return
		}
		c.Next()
	}
}

func logInternalFailure(log *zap.Logger, c *gin.Context, status int, reason string) {
	log.Warn("internal auth failed",
		zap.Int("status", status),
		zap.String("path", c.Request.URL.Path),
		zap.String("client_ip", c.ClientIP()),
		zap.String("request_id", requestID(c)),
		zap.String("reason", reason),
	)
}
