package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"bizdesk/internal/domain"
	"bizdesk/internal/pkg/jwt"
	"bizdesk/internal/security/ratelimit"
	"bizdesk/internal/security/session"
	"bizdesk/internal/security/token"
	"bizdesk/internal/security/twofactor"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	ChallengeTTL time.Duration
	BcryptCost   int
}

// Service strings the security components together into the login,
// refresh and logout flows.
type Service struct {
	accounts   AccountStore
	tokens     Tokens
	sessions   Sessions
	limiter    Limiter
	twoFactor  TwoFactor
	challenges Challenges
	cfg        Config
	log        *zap.Logger

	dummyOnce sync.Once
	dummyHash []byte
}

// LoginResult carries either a token pair or, when a second factor is due,
// a challenge token. Never both.
type LoginResult struct {
	Account        *domain.Account
	Tokens         *token.Pair
	ChallengeToken string
	ChallengeTTL   time.Duration
}

func (r *LoginResult) TwoFactorRequired() bool { return r.ChallengeToken != "" }

func NewService(
	accounts AccountStore,
	tokens Tokens,
	sessions Sessions,
	limiter Limiter,
	twoFactor TwoFactor,
	challenges Challenges,
	cfg Config,
	log *zap.Logger,
) *Service {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		accounts:   accounts,
		tokens:     tokens,
		sessions:   sessions,
		limiter:    limiter,
		twoFactor:  twoFactor,
		challenges: challenges,
		cfg:        cfg,
		log:        log.Named("auth"),
	}
}

// Login verifies the password and either opens a session or hands out a
// 2FA challenge. Every attempt counts against both the client IP and the
// email; a success clears the email counter only.
func (s *Service) Login(ctx context.Context, req LoginRequest, client Client) (*LoginResult, error) {
	email := normalizeEmail(req.Email)

	// Emails are unique across companies, and nothing in the request body can
	// pick a tenant before the password is checked, so neither key is scoped.
	d, err := s.limiter.CheckAll(ctx,
		ratelimit.Target{Action: ratelimit.ActionLogin, Identifier: client.IP},
		ratelimit.Target{Action: ratelimit.ActionLoginByEmail, Identifier: email},
	)
	if err != nil {
		return nil, fmt.Errorf("login rate limit: %w", err)
	}
	if !d.Allowed {
		s.log.Info("login rate limited", zap.String("client_ip", client.IP), zap.Duration("retry_after", d.RetryAfter))
		return nil, d.Err()
	}

	account, err := s.accounts.GetByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		// Same bcrypt cost either way so response time does not reveal the email.
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(req.Password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := s.limiter.Reset(ctx, ratelimit.ActionLoginByEmail, email); err != nil {
		s.log.Warn("reset login counter", zap.Int64("account_id", account.ID), zap.Error(err))
	}

	challenge, err := s.twoFactor.Challenge(ctx, account.ID, client.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("2fa challenge: %w", err)
	}
	if challenge == twofactor.ChallengeRequired {
		tok, err := s.challenges.GenerateChallenge(account.ID, client.Fingerprint, s.cfg.ChallengeTTL)
		if err != nil {
			return nil, fmt.Errorf("sign challenge: %w", err)
		}
		return &LoginResult{Account: account, ChallengeToken: tok, ChallengeTTL: s.cfg.ChallengeTTL}, nil
	}

	pair, err := s.startSession(ctx, account, client)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Account: account, Tokens: pair}, nil
}

// CompleteTwoFactor finishes a login that Login answered with a challenge.
func (s *Service) CompleteTwoFactor(ctx context.Context, req VerifyTwoFactorRequest, client Client) (*LoginResult, error) {
	claims, err := s.challenges.ValidateChallenge(req.ChallengeToken)
	if err != nil {
		return nil, ErrInvalidChallenge
	}
	if claims.Fingerprint != "" && client.Fingerprint != "" && claims.Fingerprint != client.Fingerprint {
		return nil, ErrInvalidChallenge
	}
	if client.Fingerprint == "" {
		client.Fingerprint = claims.Fingerprint
	}

	method, err := s.twoFactor.Verify(ctx, claims.AccountID, req.Code)
	if err != nil {
		return nil, err
	}

	account, err := s.accounts.GetByID(ctx, claims.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	if req.TrustDevice {
		if err := s.twoFactor.TrustDevice(ctx, account.ID, client.Fingerprint); err != nil {
			s.log.Warn("trust device", zap.Int64("account_id", account.ID), zap.Error(err))
		}
	}

	pair, err := s.startSession(ctx, account, client)
	if err != nil {
		return nil, err
	}
	s.log.Info("2fa login", zap.Int64("account_id", account.ID), zap.String("method", string(method)))
	return &LoginResult{Account: account, Tokens: pair}, nil
}

func (s *Service) startSession(ctx context.Context, account *domain.Account, client Client) (*token.Pair, error) {
	sess, err := s.sessions.Create(ctx, session.NewSession{
		AccountID:         account.ID,
		CompanyID:         account.CompanyID,
		Role:              string(account.Role),
		DeviceFingerprint: client.Fingerprint,
		UserAgent:         client.UserAgent,
		IP:                client.IP,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	pair, err := s.tokens.Issue(ctx, token.Subject{
		AccountID: account.ID,
		CompanyID: account.CompanyID,
		SessionID: sess.ID,
		Role:      string(account.Role),
	})
	if err != nil {
		// A session without credentials is useless; take it back out of the cap.
		if rerr := s.sessions.Revoke(ctx, sess.ID, domain.ReasonManual); rerr != nil {
			s.log.Warn("revoke orphan session", zap.String("session_id", sess.ID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("issue tokens: %w", err)
	}
	s.log.Info("login", zap.Int64("account_id", account.ID), zap.String("session_id", sess.ID))
	return pair, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	if refreshToken == "" {
		return nil, token.ErrRefreshNotFound
	}
	return s.tokens.RotateRefresh(ctx, refreshToken)
}

// Logout ends the session named by a live refresh token or a valid access
// token. Rotated, revoked or expired refresh tokens resolve to nothing, so an
// old cookie cannot end a session it no longer belongs to. The presented
// access token is blacklisted as well.
func (s *Service) Logout(ctx context.Context, refreshToken, accessToken string) error {
	var sessionID string
	if refreshToken != "" {
		id, err := s.tokens.SessionOf(ctx, refreshToken)
		switch {
		case err == nil:
			sessionID = id
		case !isRefreshError(err):
			return err
		}
	}

	var access *jwt.Claims
	if accessToken != "" {
		if claims, err := s.tokens.VerifyAccess(accessToken); err == nil {
			access = claims
			if sessionID == "" {
				sessionID = claims.SessionID
			}
		}
	}
	if sessionID == "" {
		return nil
	}

	if err := s.sessions.Revoke(ctx, sessionID, domain.ReasonLogout); err != nil {
		return err
	}
	if access != nil {
		if err := s.tokens.Revoke(ctx, accessToken, string(domain.ReasonLogout)); err != nil {
			s.log.Warn("blacklist access token on logout", zap.String("jti", access.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) LogoutAll(ctx context.Context, accountID int64) (int, error) {
	return s.sessions.RevokeAll(ctx, accountID, domain.ReasonLogoutAll)
}

func (s *Service) ListSessions(ctx context.Context, accountID int64) ([]domain.Session, error) {
	return s.sessions.List(ctx, accountID)
}

// RevokeSession ends one of the caller's own sessions.
func (s *Service) RevokeSession(ctx context.Context, accountID int64, sessionID string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if sess.AccountID != accountID {
		return ErrSessionNotFound
	}
	return s.sessions.Revoke(ctx, sessionID, domain.ReasonManual)
}

// RevokeAccountSessions is the administrative kill switch for a compromised
// account. The target must belong to the admin's company.
func (s *Service) RevokeAccountSessions(ctx context.Context, companyID, accountID int64) (int, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if account.CompanyID != companyID {
		return 0, domain.ErrNotFound
	}
	return s.sessions.RevokeAll(ctx, accountID, domain.ReasonCompromised)
}

// ChangePassword replaces the password and signs out every session,
// including the caller's.
func (s *Service) ChangePassword(ctx context.Context, accountID int64, req ChangePasswordRequest) error {
	d, err := s.limiter.CheckAll(ctx, ratelimit.Target{
		Action:     ratelimit.ActionPasswordReset,
		Identifier: accountKey(accountID),
	})
	if err != nil {
		return fmt.Errorf("password rate limit: %w", err)
	}
	if !d.Allowed {
		return d.Err()
	}

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.CurrentPassword)); err != nil {
		return ErrInvalidCredentials
	}
	if req.CurrentPassword == req.NewPassword {
		return ErrSamePassword
	}

	hash, err := s.hashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	if err := s.accounts.UpdatePasswordHash(ctx, accountID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if _, err := s.sessions.RevokeAll(ctx, accountID, domain.ReasonPasswordChange); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

func (s *Service) EnrollTwoFactor(ctx context.Context, accountID int64) (*twofactor.Enrollment, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return s.twoFactor.Enroll(ctx, accountID, account.Email)
}

func (s *Service) ConfirmTwoFactor(ctx context.Context, accountID int64, code string) error {
	return s.twoFactor.Confirm(ctx, accountID, code)
}

// DisableTwoFactor needs a fresh code so a stolen access token alone cannot
// turn the second factor off.
func (s *Service) DisableTwoFactor(ctx context.Context, accountID int64, code string) error {
	if _, err := s.twoFactor.Verify(ctx, accountID, code); err != nil {
		return err
	}
	return s.twoFactor.Disable(ctx, accountID)
}

func (s *Service) RegenerateBackupCodes(ctx context.Context, accountID int64, code string) ([]string, error) {
	if _, err := s.twoFactor.Verify(ctx, accountID, code); err != nil {
		return nil, err
	}
	return s.twoFactor.RegenerateBackupCodes(ctx, accountID)
}

func (s *Service) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	return s.accounts.GetByID(ctx, accountID)
}

func (s *Service) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), s.cfg.BcryptCost)
	})
	return s.dummyHash
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func accountKey(id int64) string {
	return "account:" + strconv.FormatInt(id, 10)
}
