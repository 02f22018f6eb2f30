package middleware

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"bizdesk/internal/domain"
	"bizdesk/internal/pkg/response"
	"bizdesk/internal/security/ratelimit"

	"github.com/gin-gonic/gin"
)

type Checker interface {
	Check(ctx context.Context, action, identifier string) (ratelimit.Decision, error)
}

// RateLimit counts every request against action. Authenticated requests are
// keyed by account, anonymous ones by client IP. A store failure rejects.
func RateLimit(limiter Checker, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.ClientIP()
		if accountID := AccountID(c); accountID != 0 {
			id = "account:" + strconv.FormatInt(accountID, 10)
		}

		d, err := limiter.Check(c.Request.Context(), action, id)
		if err != nil && errors.Is(err, domain.ErrStoreUnavailable) {
			RetryAfter(c, d.RetryAfter)
			abort(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Try again later")
			return
		}
		if err != nil {
			c.Error(err)
			abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Rate limit check failed")
			return
		}
		if !d.Allowed {
			TooManyRequests(c, d.RetryAfter)
			c.Abort()
			return
		}
		c.Next()
	}
}

// TooManyRequests writes the 429 envelope. The message never says which key
// tripped so it cannot be used to probe for accounts.
func TooManyRequests(c *gin.Context, retryAfter time.Duration) {
	RetryAfter(c, retryAfter)
	response.Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "Too many attempts, try again later")
}

func RetryAfter(c *gin.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
}
