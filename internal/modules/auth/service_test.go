package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"bizdesk/internal/cache"
	"bizdesk/internal/domain"
	"bizdesk/internal/pkg/jwt"
	"bizdesk/internal/pkg/testkit"
	"bizdesk/internal/pkg/totp"
	"bizdesk/internal/repository"
	"bizdesk/internal/security/blacklist"
	"bizdesk/internal/security/ratelimit"
	"bizdesk/internal/security/session"
	"bizdesk/internal/security/token"
	"bizdesk/internal/security/twofactor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const password = "correct horse battery"

type fixture struct {
	svc       *Service
	tokens    *token.Service
	blacklist *blacklist.Blacklist
	sessions  *session.Registry
	accounts  *repository.AccountRepository
	clock     *testkit.Clock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testkit.NewDB(t)
	clock := testkit.NewClock()
	log := zap.NewNop()
	mem := cache.NewMemory(cache.Config{})

	accounts := repository.NewAccountRepository(db, 0)
	refresh := repository.NewRefreshTokenRepository(db, 0)
	bl := blacklist.New(repository.NewBlacklistRepository(db, 0), mem, log, blacklist.Options{Now: clock.Now})
	sessions := session.NewRegistry(repository.NewSessionRepository(db, 0), refresh, bl, session.Config{
		MaxPerUser:        5,
		InactivityTimeout: 24 * time.Hour,
		AccessTTL:         15 * time.Minute,
		Now:               clock.Now,
	}, log)
	jwtSvc := jwt.New("test-secret", 15*time.Minute, jwt.WithClock(clock.Now))
	tokens := token.NewService(jwtSvc, refresh, sessions, bl, token.Config{
		RefreshTTL: 24 * time.Hour,
		Pepper:     "pepper",
		Now:        clock.Now,
	}, log)
	limiter := ratelimit.New(repository.NewRateLimitRepository(db, 0), mem, ratelimit.DefaultRules(), log,
		ratelimit.Options{Now: clock.Now})
	gate := twofactor.NewGate(repository.NewTwoFactorRepository(db, 0), limiter, twofactor.Config{
		StepTolerance: 1,
		Now:           clock.Now,
	}, log)

	svc := NewService(accounts, tokens, sessions, limiter, gate, jwtSvc, Config{
		ChallengeTTL: 5 * time.Minute,
		BcryptCost:   bcrypt.MinCost,
	}, log)
	return fixture{svc: svc, tokens: tokens, blacklist: bl, sessions: sessions, accounts: accounts, clock: clock}
}

func (f fixture) account(t *testing.T, email string) *domain.Account {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	a := &domain.Account{CompanyID: 7, Email: email, PasswordHash: string(hash), Role: domain.RoleManager, Name: "Test"}
	require.NoError(t, f.accounts.Create(context.Background(), a))
	return a
}

func (f fixture) enable2FA(t *testing.T, accountID int64) string {
	t.Helper()
	ctx := context.Background()
	e, err := f.svc.EnrollTwoFactor(ctx, accountID)
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmTwoFactor(ctx, accountID, f.code(t, e.Secret)))
	f.clock.Advance(totp.Period * time.Second)
	return e.Secret
}

func (f fixture) code(t *testing.T, secret string) string {
	t.Helper()
	raw, err := totp.DecodeSecret(secret)
	require.NoError(t, err)
	return totp.Code(raw, f.clock.Now())
}

func client(ip string) Client {
	return Client{IP: ip, UserAgent: "test-agent", Fingerprint: "device-1"}
}

func TestLogin_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "Owner@Example.com")

	res, err := f.svc.Login(ctx, LoginRequest{Email: " owner@example.com ", Password: password}, client("10.0.0.1"))
	require.NoError(t, err)
	require.False(t, res.TwoFactorRequired())
	require.NotNil(t, res.Tokens)
	assert.Equal(t, a.ID, res.Account.ID)

	claims, err := f.tokens.Authenticate(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, a.ID, claims.AccountID)
	assert.Equal(t, int64(7), claims.CompanyID)
	assert.Equal(t, res.Tokens.SessionID, claims.SessionID)

	sessions, err := f.svc.ListSessions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "10.0.0.1", sessions[0].IP)
	assert.Equal(t, "device-1", sessions[0].DeviceFingerprint)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "owner@example.com")

	_, err := f.svc.Login(ctx, LoginRequest{Email: "owner@example.com", Password: "wrong"}, client("10.0.0.1"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.svc.Login(ctx, LoginRequest{Email: "ghost@example.com", Password: password}, client("10.0.0.1"))
	assert.ErrorIs(t, err, ErrInvalidCredentials, "unknown email reads the same as a bad password")
}

func TestLogin_EmailBlockedAcrossIPs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "owner@example.com")

	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(ctx, LoginRequest{Email: "owner@example.com", Password: "wrong"}, client(fmt.Sprintf("10.0.0.%d", i)))
		require.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i+1)
	}

	// Even the right password from a fresh IP is refused while blocked.
	_, err := f.svc.Login(ctx, LoginRequest{Email: "owner@example.com", Password: password}, client("10.9.9.9"))
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)
	var limited *ratelimit.LimitError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 30*time.Minute, limited.RetryAfter)

	f.clock.Advance(30 * time.Minute)
	_, err = f.svc.Login(ctx, LoginRequest{Email: "owner@example.com", Password: password}, client("10.9.9.9"))
	assert.NoError(t, err)
}

func TestLogin_IPBlockedAcrossEmails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "owner@example.com")

	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(ctx, LoginRequest{Email: fmt.Sprintf("probe%d@example.com", i), Password: "x"}, client("10.0.0.1"))
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err := f.svc.Login(ctx, LoginRequest{Email: "owner@example.com", Password: password}, client("10.0.0.1"))
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)

	_, err = f.svc.Login(ctx, LoginRequest{Email: "owner@example.com", Password: password}, client("10.0.0.2"))
	assert.NoError(t, err)
}

func TestLogin_EmailKeyIgnoresCaseAndDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "attacker@example.com")

	// Each request comes from a new IP, so only the email key can block.
	blocked := 0
	for i := 0; i < 10; i++ {
		req := LoginRequest{Email: "Attacker@Example.com ", Password: "wrong", DeviceID: fmt.Sprintf("x%d", i)}
		_, err := f.svc.Login(ctx, req, client(fmt.Sprintf("10.0.2.%d", i)))
		if i < 5 {
			require.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i+1)
			continue
		}
		require.ErrorIs(t, err, ratelimit.ErrRateLimited, "attempt %d", i+1)
		blocked++
	}
	assert.Equal(t, 5, blocked)
}

func TestLogin_SuccessResetsEmailCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "owner@example.com")

	ip := 0
	attempt := func(pw string) error {
		ip++
		_, err := f.svc.Login(ctx, LoginRequest{Email: "owner@example.com", Password: pw}, client(fmt.Sprintf("10.0.1.%d", ip)))
		return err
	}

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, attempt("wrong"), ErrInvalidCredentials)
	}
	require.NoError(t, attempt(password))
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, attempt("wrong"), ErrInvalidCredentials, "counter restarted after success")
	}
}

func TestLogin_SessionCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "owner@example.com")

	var first *token.Pair
	for i := 0; i < 6; i++ {
		res, err := f.svc.Login(ctx, LoginRequest{Email: a.Email, Password: password}, client(fmt.Sprintf("10.0.3.%d", i)))
		require.NoError(t, err)
		if first == nil {
			first = res.Tokens
		}
		f.clock.Advance(time.Minute)
	}

	sessions, err := f.svc.ListSessions(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 5)

	_, err = f.svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, token.ErrRefreshRevoked, "oldest session was evicted")
}

func TestTwoFactor_LoginFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "owner@example.com")
	secret := f.enable2FA(t, a.ID)

	res, err := f.svc.Login(ctx, LoginRequest{Email: a.Email, Password: password}, client("10.0.0.1"))
	require.NoError(t, err)
	require.True(t, res.TwoFactorRequired())
	assert.Nil(t, res.Tokens)

	_, err = f.svc.CompleteTwoFactor(ctx, VerifyTwoFactorRequest{ChallengeToken: res.ChallengeToken, Code: "ZZZZZ-ZZZZZ"}, client("10.0.0.1"))
	assert.ErrorIs(t, err, twofactor.ErrInvalidCode)

	done, err := f.svc.CompleteTwoFactor(ctx, VerifyTwoFactorRequest{
		ChallengeToken: res.ChallengeToken,
		Code:           f.code(t, secret),
		TrustDevice:    true,
	}, client("10.0.0.1"))
	require.NoError(t, err)
	require.NotNil(t, done.Tokens)

	again, err := f.svc.Login(ctx, LoginRequest{Email: a.Email, Password: password}, client("10.0.0.1"))
	require.NoError(t, err)
	assert.False(t, again.TwoFactorRequired(), "trusted device skips the challenge")

	other := Client{IP: "10.0.0.1", Fingerprint: "device-2"}
	fresh, err := f.svc.Login(ctx, LoginRequest{Email: a.Email, Password: password}, other)
	require.NoError(t, err)
	assert.True(t, fresh.TwoFactorRequired())
}

func TestTwoFactor_ChallengeBoundToDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "owner@example.com")
	secret := f.enable2FA(t, a.ID)

	res, err := f.svc.Login(ctx, LoginRequest{Email: a.Email, Password: password}, client("10.0.0.1"))
	require.NoError(t, err)

	_, err = f.svc.CompleteTwoFactor(ctx, VerifyTwoFactorRequest{ChallengeToken: res.ChallengeToken, Code: f.code(t, secret)},
		Client{IP: "10.0.0.1", Fingerprint: "someone-else"})
	assert.ErrorIs(t, err, ErrInvalidChallenge)

	_, err = f.svc.CompleteTwoFactor(ctx, VerifyTwoFactorRequest{ChallengeToken: "garbage", Code: f.code(t, secret)}, client("10.0.0.1"))
	assert.ErrorIs(t, err, ErrInvalidChallenge)

	f.clock.Advance(6 * time.Minute)
	_, err = f.svc.CompleteTwoFactor(ctx, VerifyTwoFactorRequest{ChallengeToken: res.ChallengeToken, Code: f.code(t, secret)}, client("10.0.0.1"))
	assert.ErrorIs(t, err, ErrInvalidChallenge, "challenge expired")
}

func TestTwoFactor_DisableNeedsCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "owner@example.com")
	secret := f.enable2FA(t, a.ID)

	err := f.svc.DisableTwoFactor(ctx, a.ID, "not-a-code")
	assert.ErrorIs(t, err, twofactor.ErrInvalidCode)

	require.NoError(t, f.svc.DisableTwoFactor(ctx, a.ID, f.code(t, secret)))

	res, err := f.svc.Login(ctx, LoginRequest{Email: a.Email, Password: password}, client("10.0.0.1"))
	require.NoError(t, err)
	assert.False(t, res.TwoFactorRequired())
}

func TestRefreshAndLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "owner@example.com")

	res, err := f.svc.Login(ctx, LoginRequest{Email: a.Email, Password: password}, client("10.0.0.1"))
	require.NoError(t, err)

	rotated, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, res.Tokens.SessionID, rotated.SessionID)

	require.NoError(t, f.svc.Logout(ctx, rotated.RefreshToken, ""))
	require.NoError(t, f.svc.Logout(ctx, rotated.RefreshToken, ""), "logout is idempotent")

	_, err = f.svc.Refresh(ctx, rotated.RefreshToken)
	assert.ErrorIs(t, err, token.ErrRefreshRevoked)
	_, err = f.tokens.Authenticate(ctx, rotated.AccessToken)
	assert.ErrorIs(t, err, token.ErrTokenRevoked)

	_, err = f.svc.Refresh(ctx, "")
	assert.ErrorIs(t, err, token.ErrRefreshNotFound)
}

func TestLogout_ByAccessToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "owner@example.com")

	res, err := f.svc.Login(ctx, LoginRequest{Email: a.Email, Password: password}, client("10.0.0.1"))
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, "", res.Tokens.AccessToken))
	active, err := f.sessions.IsActive(ctx, res.Tokens.SessionID)
	require.NoError(t, err)
	assert.False(t, active)

	claims, err := f.tokens.VerifyAccess(res.Tokens.AccessToken)
	require.NoError(t, err)
	listed, err := f.blacklist.IsBlacklisted(ctx, blacklist.AccessKey(claims.ID))
	require.NoError(t, err)
	assert.True(t, listed, "the presented access token is blacklisted by its jti")
}

func TestLogout_RotatedTokenDoesNotEndLiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "owner@example.com")

	res, err := f.svc.Login(ctx, LoginRequest{Email: a.Email, Password: password}, client("10.0.0.1"))
	require.NoError(t, err)
	rotated, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken)
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, res.Tokens.RefreshToken, ""))
	active, err := f.sessions.IsActive(ctx, rotated.SessionID)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, f.svc.Logout(ctx, rotated.RefreshToken, ""))
	active, err = f.sessions.IsActive(ctx, rotated.SessionID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRevokeSession_OwnSessionsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.account(t, "alice@example.com")
	bob := f.account(t, "bob@example.com")

	res, err := f.svc.Login(ctx, LoginRequest{Email: alice.Email, Password: password}, client("10.0.0.1"))
	require.NoError(t, err)

	err = f.svc.RevokeSession(ctx, bob.ID, res.Tokens.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	err = f.svc.RevokeSession(ctx, alice.ID, "no-such-session")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, f.svc.RevokeSession(ctx, alice.ID, res.Tokens.SessionID))
	sessions, err := f.svc.ListSessions(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRevokeAccountSessions_SameCompanyOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "owner@example.com")

	_, err := f.svc.Login(ctx, LoginRequest{Email: a.Email, Password: password}, client("10.0.0.1"))
	require.NoError(t, err)

	_, err = f.svc.RevokeAccountSessions(ctx, 999, a.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	n, err := f.svc.RevokeAccountSessions(ctx, a.CompanyID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestChangePassword_RevokesAllSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "owner@example.com")

	var pairs []*token.Pair
	for i := 0; i < 2; i++ {
		res, err := f.svc.Login(ctx, LoginRequest{Email: a.Email, Password: password}, client("10.0.0.1"))
		require.NoError(t, err)
		pairs = append(pairs, res.Tokens)
	}

	err := f.svc.ChangePassword(ctx, a.ID, ChangePasswordRequest{CurrentPassword: "wrong", NewPassword: "another-secret"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	err = f.svc.ChangePassword(ctx, a.ID, ChangePasswordRequest{CurrentPassword: password, NewPassword: password})
	assert.ErrorIs(t, err, ErrSamePassword)

	require.NoError(t, f.svc.ChangePassword(ctx, a.ID, ChangePasswordRequest{CurrentPassword: password, NewPassword: "another-secret"}))

	for _, p := range pairs {
		_, err := f.tokens.Authenticate(ctx, p.AccessToken)
		assert.ErrorIs(t, err, token.ErrTokenRevoked)
	}

	_, err = f.svc.Login(ctx, LoginRequest{Email: a.Email, Password: password}, client("10.0.0.2"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, LoginRequest{Email: a.Email, Password: "another-secret"}, client("10.0.0.2"))
	assert.NoError(t, err)
}

func TestChangePassword_RateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "owner@example.com")

	for i := 0; i < 3; i++ {
		err := f.svc.ChangePassword(ctx, a.ID, ChangePasswordRequest{CurrentPassword: "wrong", NewPassword: "another-secret"})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	err := f.svc.ChangePassword(ctx, a.ID, ChangePasswordRequest{CurrentPassword: password, NewPassword: "another-secret"})
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)
}
