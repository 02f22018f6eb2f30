package auth

import (
	"net/http"
	"strings"
	"time"

	"bizdesk/internal/middleware"
	"bizdesk/internal/security/token"

	"github.com/gin-gonic/gin"
)

const (
	AccessCookie  = middleware.AccessCookie
	RefreshCookie = "refresh_token"
)

// CookieConfig sets the attributes of both auth cookies. They are always
// HTTP-only.
type CookieConfig struct {
	Secure   bool
	SameSite string
	Path     string
	Domain   string
}

func (c CookieConfig) sameSite() http.SameSite {
	switch strings.ToLower(c.SameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func (c CookieConfig) path() string {
	if c.Path == "" {
		return "/"
	}
	return c.Path
}

func (c CookieConfig) set(ctx *gin.Context, name, value string, expires, now time.Time) {
	maxAge := int(expires.Sub(now).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	ctx.SetSameSite(c.sameSite())
	ctx.SetCookie(name, value, maxAge, c.path(), c.Domain, c.Secure, true)
}

func (c CookieConfig) SetTokens(ctx *gin.Context, pair *token.Pair, now time.Time) {
	c.set(ctx, AccessCookie, pair.AccessToken, pair.AccessExpiresAt, now)
	c.set(ctx, RefreshCookie, pair.RefreshToken, pair.RefreshExpiresAt, now)
}

func (c CookieConfig) Clear(ctx *gin.Context) {
	ctx.SetSameSite(c.sameSite())
	ctx.SetCookie(AccessCookie, "", -1, c.path(), c.Domain, c.Secure, true)
	ctx.SetCookie(RefreshCookie, "", -1, c.path(), c.Domain, c.Secure, true)
}
