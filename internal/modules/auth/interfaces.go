package auth

import (
	"context"
	"time"

	"bizdesk/internal/domain"
	"bizdesk/internal/pkg/jwt"
	"bizdesk/internal/security/ratelimit"
	"bizdesk/internal/security/session"
	"bizdesk/internal/security/token"
	"bizdesk/internal/security/twofactor"
)

// AccountStore is the part of the account repository auth needs.
type AccountStore interface {
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
	GetByID(ctx context.Context, id int64) (*domain.Account, error)
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
}

type Tokens interface {
	Issue(ctx context.Context, sub token.Subject) (*token.Pair, error)
	RotateRefresh(ctx context.Context, raw string) (*token.Pair, error)
	VerifyAccess(token string) (*jwt.Claims, error)
	SessionOf(ctx context.Context, raw string) (string, error)
	Revoke(ctx context.Context, token string, reason string) error
}

type Sessions interface {
	Create(ctx context.Context, in session.NewSession) (*domain.Session, error)
	Get(ctx context.Context, id string) (*domain.Session, error)
	Revoke(ctx context.Context, id string, reason domain.RevokeReason) error
	RevokeAll(ctx context.Context, accountID int64, reason domain.RevokeReason) (int, error)
	List(ctx context.Context, accountID int64) ([]domain.Session, error)
}

type Limiter interface {
	CheckAll(ctx context.Context, targets ...ratelimit.Target) (ratelimit.Decision, error)
	Reset(ctx context.Context, action, identifier string) error
}

type TwoFactor interface {
	Challenge(ctx context.Context, accountID int64, fingerprint string) (twofactor.Challenge, error)
	Enroll(ctx context.Context, accountID int64, label string) (*twofactor.Enrollment, error)
	Confirm(ctx context.Context, accountID int64, code string) error
	Verify(ctx context.Context, accountID int64, code string) (twofactor.Method, error)
	TrustDevice(ctx context.Context, accountID int64, fingerprint string) error
	Disable(ctx context.Context, accountID int64) error
	RegenerateBackupCodes(ctx context.Context, accountID int64) ([]string, error)
}

// Challenges signs and checks the token carried between the password step
// and the second factor.
type Challenges interface {
	GenerateChallenge(accountID int64, fingerprint string, ttl time.Duration) (string, error)
	ValidateChallenge(tokenStr string) (*jwt.Claims, error)
}
