package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"bizdesk/internal/domain"
	"bizdesk/internal/pkg/jwt"
	"bizdesk/internal/pkg/response"
	"bizdesk/internal/security/token"

	"github.com/gin-gonic/gin"
)

// Gin context keys set by JWTAuth.
const (
	CtxAccountID = "account_id"
	CtxCompanyID = "company_id"
	CtxSessionID = "session_id"
	CtxRole      = "role"
	CtxToken     = "access_token"
)

// AccessCookie is read when the request carries no Authorization header.
const AccessCookie = "access_token"

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*jwt.Claims, error)
}

// JWTAuth accepts "Authorization: Bearer <token>" or the access cookie and
// checks it against the blacklist. Session activity is recorded on refresh,
// not here, so a request costs no store write.
func JWTAuth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, code, msg := bearerToken(c)
		if tokenStr == "" {
			abort(c, http.StatusUnauthorized, code, msg)
			return
		}

		claims, err := auth.Authenticate(c.Request.Context(), tokenStr)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrExpiredToken):
				abort(c, http.StatusUnauthorized, "TOKEN_EXPIRED", "Access token expired")
			case errors.Is(err, token.ErrTokenRevoked):
				abort(c, http.StatusUnauthorized, "TOKEN_REVOKED", "Access token revoked")
			case errors.Is(err, domain.ErrStoreUnavailable):
				abort(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Try again later")
			default:
				abort(c, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid token")
			}
			return
		}

		c.Set(CtxAccountID, claims.AccountID)
		c.Set(CtxCompanyID, claims.CompanyID)
		c.Set(CtxSessionID, claims.SessionID)
		c.Set(CtxRole, claims.Role)
		c.Set(CtxToken, tokenStr)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (tok, code, msg string) {
	h := c.GetHeader("Authorization")
	if h == "" {
		if cookie, err := c.Cookie(AccessCookie); err == nil && cookie != "" {
			return cookie, "", ""
		}
		return "", "AUTH_HEADER_MISSING", "Missing Authorization header"
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", "INVALID_AUTH_FORMAT", "Authorization header must be 'Bearer <token>'"
	}
	tok = strings.TrimSpace(parts[1])
	if tok == "" {
		return "", "INVALID_AUTH_FORMAT", "Empty token"
	}
	return tok, "", ""
}

func abort(c *gin.Context, status int, code, message string) {
	response.Error(c, status, code, message)
	c.Abort()
}

func AccountID(c *gin.Context) int64  { return c.GetInt64(CtxAccountID) }
func CompanyID(c *gin.Context) int64  { return c.GetInt64(CtxCompanyID) }
func SessionID(c *gin.Context) string { return c.GetString(CtxSessionID) }
