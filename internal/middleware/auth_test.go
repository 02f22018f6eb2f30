package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bizdesk/internal/domain"
	"bizdesk/internal/pkg/jwt"
	"bizdesk/internal/security/token"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// jwtAuthenticator verifies with a real signer and a fixed revoked set.
type jwtAuthenticator struct {
	jwt     *jwt.Service
	revoked map[string]bool
	err     error
}

func (a *jwtAuthenticator) Authenticate(_ context.Context, tok string) (*jwt.Claims, error) {
	if a.err != nil {
		return nil, a.err
	}
	claims, err := a.jwt.ValidateToken(tok)
	if err != nil {
		return nil, err
	}
	if a.revoked[claims.SessionID] {
		return nil, token.ErrTokenRevoked
	}
	return claims, nil
}

func newRouter(auth Authenticator) *gin.Engine {
	router := gin.New()
	router.Use(JWTAuth(auth))
	router.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"account_id": AccountID(c),
			"company_id": CompanyID(c),
			"session_id": SessionID(c),
			"role":       c.GetString(CtxRole),
		})
	})
	return router
}

func do(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestJWTAuth_ValidToken(t *testing.T) {
	signer := jwt.New("test-secret-123", time.Hour)
	tok, _, err := signer.GenerateToken(42, 3, "sess-1", "manager")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := do(newRouter(&jwtAuthenticator{jwt: signer}), req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"account_id":42,"company_id":3,"session_id":"sess-1","role":"manager"}`, w.Body.String())
}

func TestJWTAuth_CookieToken(t *testing.T) {
	signer := jwt.New("test-secret-123", time.Hour)
	tok, _, err := signer.GenerateToken(42, 3, "sess-1", "manager")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: AccessCookie, Value: tok})
	w := do(newRouter(&jwtAuthenticator{jwt: signer}), req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJWTAuth_Rejections(t *testing.T) {
	signer := jwt.New("test-secret-123", time.Hour)
	tok, _, err := signer.GenerateToken(42, 3, "sess-1", "manager")
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		auth   *jwtAuthenticator
		status int
		code   string
	}{
		{"no token", "", &jwtAuthenticator{jwt: signer}, http.StatusUnauthorized, "AUTH_HEADER_MISSING"},
		{"wrong scheme", "Basic dGVzdA==", &jwtAuthenticator{jwt: signer}, http.StatusUnauthorized, "INVALID_AUTH_FORMAT"},
		{"empty bearer", "Bearer ", &jwtAuthenticator{jwt: signer}, http.StatusUnauthorized, "INVALID_AUTH_FORMAT"},
		{"garbage", "Bearer invalid-jwt-here", &jwtAuthenticator{jwt: signer}, http.StatusUnauthorized, "INVALID_TOKEN"},
		{"wrong secret", "Bearer " + tok, &jwtAuthenticator{jwt: jwt.New("other", time.Hour)}, http.StatusUnauthorized, "INVALID_TOKEN"},
		{"revoked", "Bearer " + tok, &jwtAuthenticator{jwt: signer, revoked: map[string]bool{"sess-1": true}}, http.StatusUnauthorized, "TOKEN_REVOKED"},
		{"expired", "Bearer " + tok, &jwtAuthenticator{err: token.ErrExpiredToken}, http.StatusUnauthorized, "TOKEN_EXPIRED"},
		{"store down", "Bearer " + tok, &jwtAuthenticator{err: fmt.Errorf("lookup: %w", domain.ErrStoreUnavailable)}, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			router.Use(JWTAuth(tc.auth))
			router.GET("/protected", func(c *gin.Context) {
				t.Fatal("handler should not be reached")
			})

			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := do(router, req)

			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, w.Body.String(), tc.code)
		})
	}
}

func TestRequireRole(t *testing.T) {
	route := func(role string) *httptest.ResponseRecorder {
		router := gin.New()
		router.Use(func(c *gin.Context) {
			if role != "" {
				c.Set(CtxRole, role)
			}
		}, AdminOnly())
		router.GET("/admin", func(c *gin.Context) { c.Status(http.StatusOK) })
		return do(router, httptest.NewRequest(http.MethodGet, "/admin", nil))
	}

	assert.Equal(t, http.StatusOK, route("owner").Code)
	assert.Equal(t, http.StatusOK, route("admin").Code)
	assert.Equal(t, http.StatusForbidden, route("staff").Code)
	assert.Equal(t, http.StatusUnauthorized, route("").Code)
}
