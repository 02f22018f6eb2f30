package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bizdesk/internal/domain"
	"bizdesk/internal/middleware"
	"bizdesk/internal/pkg/response"
	"bizdesk/internal/pkg/validator"
	"bizdesk/internal/security/ratelimit"
	"bizdesk/internal/security/token"
	"bizdesk/internal/security/twofactor"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const fingerprintHeader = "X-Device-Fingerprint"

type Handler struct {
	service *Service
	cookies CookieConfig
	now     func() time.Time
	log     *zap.Logger
}

func NewHandler(service *Service, cookies CookieConfig, now func() time.Time, log *zap.Logger) *Handler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{service: service, cookies: cookies, now: now, log: log.Named("auth_http")}
}

func (h *Handler) RegisterPublicRoutes(v1 *gin.RouterGroup) {
	g := v1.Group("/auth")
	{
		g.POST("/login", h.Login)
		g.POST("/2fa/verify", h.VerifyTwoFactor)
		g.POST("/refresh", h.Refresh)
		g.POST("/logout", h.Logout)
	}
}

func (h *Handler) RegisterProtectedRoutes(protected *gin.RouterGroup) {
	g := protected.Group("/auth")
	{
		g.GET("/me", h.Me)
		g.POST("/logout-all", h.LogoutAll)
		g.GET("/sessions", h.ListSessions)
		g.DELETE("/sessions/:id", h.RevokeSession)
		g.POST("/password", h.ChangePassword)
		g.POST("/2fa/enroll", h.EnrollTwoFactor)
		g.POST("/2fa/confirm", h.ConfirmTwoFactor)
		g.POST("/2fa/backup-codes", h.RegenerateBackupCodes)
		g.DELETE("/2fa", h.DisableTwoFactor)
	}
}

func (h *Handler) RegisterAdminRoutes(admin *gin.RouterGroup) {
	admin.POST("/accounts/:id/revoke-sessions", h.RevokeAccountSessions)
}

// Login checks credentials. The answer is either a token pair (also set as
// cookies) or {"two_factor_required": true, "challenge_token": ...}.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if !bind(c, &req) {
		return
	}

	res, err := h.service.Login(c.Request.Context(), req, clientOf(c, req.DeviceID))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.loginResponse(c, res)
}

func (h *Handler) VerifyTwoFactor(c *gin.Context) {
	var req VerifyTwoFactorRequest
	if !bind(c, &req) {
		return
	}

	res, err := h.service.CompleteTwoFactor(c.Request.Context(), req, clientOf(c, req.DeviceID))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.loginResponse(c, res)
}

func (h *Handler) loginResponse(c *gin.Context, res *LoginResult) {
	if res.TwoFactorRequired() {
		response.Success(c, http.StatusOK, gin.H{
			"two_factor_required": true,
			"challenge_token":     res.ChallengeToken,
			"expires_in":          int(res.ChallengeTTL.Seconds()),
		})
		return
	}

	h.cookies.SetTokens(c, res.Tokens, h.now())
	response.Success(c, http.StatusOK, gin.H{
		"account": accountPublic(res.Account),
		"tokens":  tokensResponse(res.Tokens),
	})
}

// Refresh reads the refresh token from the cookie, or from the body for
// clients that do not keep cookies.
func (h *Handler) Refresh(c *gin.Context) {
	raw, _ := c.Cookie(RefreshCookie)
	if raw == "" {
		var req RefreshRequest
		_ = c.ShouldBindJSON(&req)
		raw = req.RefreshToken
	}

	pair, err := h.service.Refresh(c.Request.Context(), raw)
	if err != nil {
		if isRefreshError(err) {
			h.cookies.Clear(c)
		}
		h.fail(c, err)
		return
	}
	h.cookies.SetTokens(c, pair, h.now())
	response.Success(c, http.StatusOK, gin.H{"tokens": tokensResponse(pair)})
}

func (h *Handler) Logout(c *gin.Context) {
	raw, _ := c.Cookie(RefreshCookie)
	if raw == "" {
		var req RefreshRequest
		_ = c.ShouldBindJSON(&req)
		raw = req.RefreshToken
	}

	if err := h.service.Logout(c.Request.Context(), raw, accessTokenOf(c)); err != nil {
		h.fail(c, err)
		return
	}
	h.cookies.Clear(c)
	response.Success(c, http.StatusOK, gin.H{"message": "Logged out"})
}

func (h *Handler) Me(c *gin.Context) {
	account, err := h.service.GetAccount(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"account":    accountPublic(account),
		"session_id": middleware.SessionID(c),
	})
}

func (h *Handler) LogoutAll(c *gin.Context) {
	n, err := h.service.LogoutAll(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.cookies.Clear(c)
	response.Success(c, http.StatusOK, gin.H{"revoked": n})
}

func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.service.ListSessions(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	current := middleware.SessionID(c)
	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionResponse{
			ID:             s.ID,
			UserAgent:      s.UserAgent,
			IP:             s.IP,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			Current:        s.ID == current,
			RevokedAt:      s.RevokedAt,
		})
	}
	response.Success(c, http.StatusOK, gin.H{"sessions": out})
}

func (h *Handler) RevokeSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.RevokeSession(c.Request.Context(), middleware.AccountID(c), id); err != nil {
		h.fail(c, err)
		return
	}
	if id == middleware.SessionID(c) {
		h.cookies.Clear(c)
	}
	response.Success(c, http.StatusOK, gin.H{"message": "Session revoked"})
}

func (h *Handler) RevokeAccountSessions(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "INVALID_ID", "Invalid account ID")
		return
	}

	n, err := h.service.RevokeAccountSessions(c.Request.Context(), middleware.CompanyID(c), accountID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("sessions revoked by admin",
		zap.Int64("admin_id", middleware.AccountID(c)),
		zap.Int64("account_id", accountID),
		zap.Int("count", n),
	)
	response.Success(c, http.StatusOK, gin.H{"revoked": n})
}

func (h *Handler) ChangePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if !bind(c, &req) {
		return
	}
	if err := h.service.ChangePassword(c.Request.Context(), middleware.AccountID(c), req); err != nil {
		h.fail(c, err)
		return
	}
	h.cookies.Clear(c)
	response.Success(c, http.StatusOK, gin.H{"message": "Password changed, please sign in again"})
}

func (h *Handler) EnrollTwoFactor(c *gin.Context) {
	e, err := h.service.EnrollTwoFactor(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, EnrollResponse{
		Secret:      e.Secret,
		OTPAuthURL:  e.URL,
		BackupCodes: e.BackupCodes,
	})
}

func (h *Handler) ConfirmTwoFactor(c *gin.Context) {
	var req CodeRequest
	if !bind(c, &req) {
		return
	}
	if err := h.service.ConfirmTwoFactor(c.Request.Context(), middleware.AccountID(c), req.Code); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"enabled": true})
}

func (h *Handler) DisableTwoFactor(c *gin.Context) {
	var req CodeRequest
	if !bind(c, &req) {
		return
	}
	if err := h.service.DisableTwoFactor(c.Request.Context(), middleware.AccountID(c), req.Code); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"enabled": false})
}

func (h *Handler) RegenerateBackupCodes(c *gin.Context) {
	var req CodeRequest
	if !bind(c, &req) {
		return
	}
	codes, err := h.service.RegenerateBackupCodes(c.Request.Context(), middleware.AccountID(c), req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"backup_codes": codes})
}

// fail maps service errors to the response envelope. Rate limiting and bad
// credentials read the same no matter which key or check tripped.
func (h *Handler) fail(c *gin.Context, err error) {
	var limited *ratelimit.LimitError
	switch {
	case errors.As(err, &limited):
		middleware.TooManyRequests(c, limited.RetryAfter)
	case errors.Is(err, domain.ErrStoreUnavailable):
		middleware.RetryAfter(c, time.Minute)
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Try again later")
	case errors.Is(err, ErrInvalidCredentials):
		response.Error(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Email or password is incorrect")
	case errors.Is(err, ErrInvalidChallenge):
		response.Error(c, http.StatusUnauthorized, "INVALID_CHALLENGE", "Sign in again")
	case isRefreshError(err):
		response.Error(c, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "Session expired, sign in again")
	case errors.Is(err, twofactor.ErrInvalidCode):
		response.Error(c, http.StatusUnauthorized, "INVALID_CODE", "Verification code is incorrect")
	case errors.Is(err, twofactor.ErrNotEnrolled):
		response.Error(c, http.StatusBadRequest, "TWO_FACTOR_NOT_ENABLED", "Two-factor authentication is not enabled")
	case errors.Is(err, twofactor.ErrAlreadyEnabled):
		response.Error(c, http.StatusConflict, "TWO_FACTOR_ENABLED", "Two-factor authentication is already enabled")
	case errors.Is(err, ErrSamePassword):
		response.Error(c, http.StatusBadRequest, "SAME_PASSWORD", "New password must differ from the current one")
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, domain.ErrNotFound):
		response.Error(c, http.StatusNotFound, "NOT_FOUND", "Not found")
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Something went wrong")
	}
}

func isRefreshError(err error) bool {
	return errors.Is(err, token.ErrRefreshNotFound) ||
		errors.Is(err, token.ErrRefreshReused) ||
		errors.Is(err, token.ErrRefreshExpired) ||
		errors.Is(err, token.ErrRefreshRevoked)
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return false
	}
	if errs := validator.Validate(req); errs != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", errs)
		return false
	}
	return true
}

func clientOf(c *gin.Context, deviceID string) Client {
	fp := strings.TrimSpace(deviceID)
	if fp == "" {
		fp = strings.TrimSpace(c.GetHeader(fingerprintHeader))
	}
	return Client{
		IP:          c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		Fingerprint: fp,
	}
}

func accessTokenOf(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	v, _ := c.Cookie(AccessCookie)
	return v
}

func tokensResponse(p *token.Pair) TokensResponse {
	return TokensResponse{
		SessionID:        p.SessionID,
		AccessToken:      p.AccessToken,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshToken:     p.RefreshToken,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}
