// Package twofactor gates logins behind a TOTP code or a single-use backup
// code, with a trusted-device exemption.
package twofactor

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bizdesk/internal/domain"
	"bizdesk/internal/metrics"
	"bizdesk/internal/pkg/totp"
	"bizdesk/internal/security/ratelimit"

	"go.uber.org/zap"
)

type Challenge string

const (
	ChallengeRequired    Challenge = "required"
	ChallengeSkipped     Challenge = "skipped"
	ChallengeNotEnrolled Challenge = "not_enrolled"
)

type Method string

const (
	MethodTOTP   Method = "totp"
	MethodBackup Method = "backup"
)

var (
	ErrNotEnrolled    = errors.New("two-factor authentication is not enabled")
	ErrAlreadyEnabled = errors.New("two-factor authentication is already enabled")
	ErrInvalidCode    = errors.New("invalid verification code")
)

type Store interface {
	GetEnrollment(ctx context.Context, accountID int64) (*domain.TwoFactorEnrollment, error)
	SaveEnrollment(ctx context.Context, e *domain.TwoFactorEnrollment, codeHashes []string) error
	Enable(ctx context.Context, accountID int64, step int64, at time.Time) error
	Delete(ctx context.Context, accountID int64) error
	AdvanceStep(ctx context.Context, accountID, step int64, at time.Time) (bool, error)
	ConsumeBackupCode(ctx context.Context, accountID int64, codeHash string) (bool, error)
	CountBackupCodes(ctx context.Context, accountID int64) (int64, error)
	ReplaceBackupCodes(ctx context.Context, accountID int64, codeHashes []string) error
	TrustDevice(ctx context.Context, d *domain.TrustedDevice) error
	IsDeviceTrusted(ctx context.Context, accountID int64, fingerprintHash string, now time.Time) (bool, error)
	DeleteExpiredDevices(ctx context.Context, now time.Time) (int64, error)
}

type Limiter interface {
	Check(ctx context.Context, action, identifier string) (ratelimit.Decision, error)
	Status(ctx context.Context, action, identifier string) (ratelimit.Decision, error)
	Reset(ctx context.Context, action, identifier string) error
}

type Config struct {
	Issuer           string
	TrustedDeviceTTL time.Duration
	BackupCodes      int
	StepTolerance    int
	Now              func() time.Time
}

// Enrollment is shown to the user once; only hashes of the backup codes are kept.
type Enrollment struct {
	Secret      string
	URL         string
	BackupCodes []string
}

type Gate struct {
	store   Store
	limiter Limiter
	cfg     Config
	log     *zap.Logger
}

func NewGate(store Store, limiter Limiter, cfg Config, log *zap.Logger) *Gate {
	if cfg.Issuer == "" {
		cfg.Issuer = "BizDesk"
	}
	if cfg.TrustedDeviceTTL <= 0 {
		cfg.TrustedDeviceTTL = 30 * 24 * time.Hour
	}
	if cfg.BackupCodes <= 0 {
		cfg.BackupCodes = 10
	}
	if cfg.StepTolerance < 0 {
		cfg.StepTolerance = 1
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Gate{store: store, limiter: limiter, cfg: cfg, log: log.Named("2fa")}
}

func (g *Gate) enabled(ctx context.Context, accountID int64) (*domain.TwoFactorEnrollment, error) {
	e, err := g.store.GetEnrollment(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, err
	}
	if !e.Enabled {
		return nil, ErrNotEnrolled
	}
	return e, nil
}

// Challenge decides whether a login from fingerprint needs a second factor.
func (g *Gate) Challenge(ctx context.Context, accountID int64, fingerprint string) (Challenge, error) {
	if _, err := g.enabled(ctx, accountID); err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			return ChallengeNotEnrolled, nil
		}
		return "", err
	}
	if fingerprint != "" {
		trusted, err := g.store.IsDeviceTrusted(ctx, accountID, digest(fingerprint), g.cfg.Now())
		if err != nil {
			return "", err
		}
		if trusted {
			return ChallengeSkipped, nil
		}
	}
	return ChallengeRequired, nil
}

// Enroll starts (or restarts) a pending enrollment. It becomes active on Confirm.
func (g *Gate) Enroll(ctx context.Context, accountID int64, accountLabel string) (*Enrollment, error) {
	existing, err := g.store.GetEnrollment(ctx, accountID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Enabled {
		return nil, ErrAlreadyEnabled
	}

	secret, err := totp.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	codes, hashes, err := g.newBackupCodes()
	if err != nil {
		return nil, err
	}

	now := g.cfg.Now()
	e := &domain.TwoFactorEnrollment{
		AccountID: accountID,
		Secret:    secret,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.store.SaveEnrollment(ctx, e, hashes); err != nil {
		return nil, fmt.Errorf("save enrollment: %w", err)
	}
	return &Enrollment{
		Secret:      secret,
		URL:         totp.OTPAuthURL(g.cfg.Issuer, accountLabel, secret),
		BackupCodes: codes,
	}, nil
}

// Confirm activates a pending enrollment with the first valid code.
func (g *Gate) Confirm(ctx context.Context, accountID int64, code string) error {
	if err := g.admit(ctx, accountID); err != nil {
		return err
	}
	e, err := g.store.GetEnrollment(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		return ErrNotEnrolled
	}
	if err != nil {
		return err
	}
	if e.Enabled {
		return ErrAlreadyEnabled
	}

	secret, err := totp.DecodeSecret(e.Secret)
	if err != nil {
		return err
	}
	ok, step := totp.Verify(secret, normalizeTOTP(code), g.cfg.Now(), g.cfg.StepTolerance, e.LastUsedStep)
	if !ok {
		return g.fail(ctx, accountID, MethodTOTP)
	}
	if err := g.store.Enable(ctx, accountID, step, g.cfg.Now()); err != nil {
		return err
	}
	g.succeed(ctx, accountID, MethodTOTP)
	return nil
}

// Verify accepts a TOTP code within the step tolerance or an unused backup
// code. Each failure counts against the 2fa rate limit; while that limit is
// blocked no code is checked at all.
func (g *Gate) Verify(ctx context.Context, accountID int64, code string) (Method, error) {
	if err := g.admit(ctx, accountID); err != nil {
		return "", err
	}
	e, err := g.enabled(ctx, accountID)
	if err != nil {
		return "", err
	}

	if c := normalizeTOTP(code); isDigits(c) && len(c) == totp.Digits {
		secret, err := totp.DecodeSecret(e.Secret)
		if err != nil {
			return "", err
		}
		if ok, step := totp.Verify(secret, c, g.cfg.Now(), g.cfg.StepTolerance, e.LastUsedStep); ok {
			// A concurrent verify may have taken this step already.
			advanced, err := g.store.AdvanceStep(ctx, accountID, step, g.cfg.Now())
			if err != nil {
				return "", err
			}
			if advanced {
				g.succeed(ctx, accountID, MethodTOTP)
				return MethodTOTP, nil
			}
		}
		return "", g.fail(ctx, accountID, MethodTOTP)
	}

	consumed, err := g.store.ConsumeBackupCode(ctx, accountID, hashBackupCode(code))
	if err != nil {
		return "", err
	}
	if !consumed {
		return "", g.fail(ctx, accountID, MethodBackup)
	}
	g.succeed(ctx, accountID, MethodBackup)
	if left, err := g.store.CountBackupCodes(ctx, accountID); err == nil && left <= 2 {
		g.log.Info("backup codes running low", zap.Int64("account_id", accountID), zap.Int64("remaining", left))
	}
	return MethodBackup, nil
}

// TrustDevice exempts fingerprint from challenges for TrustedDeviceTTL.
func (g *Gate) TrustDevice(ctx context.Context, accountID int64, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	now := g.cfg.Now()
	return g.store.TrustDevice(ctx, &domain.TrustedDevice{
		AccountID:       accountID,
		FingerprintHash: digest(fingerprint),
		ExpiresAt:       now.Add(g.cfg.TrustedDeviceTTL),
		CreatedAt:       now,
	})
}

// Disable drops the enrollment, its backup codes and trusted devices.
func (g *Gate) Disable(ctx context.Context, accountID int64) error {
	if _, err := g.enabled(ctx, accountID); err != nil {
		return err
	}
	return g.store.Delete(ctx, accountID)
}

// RegenerateBackupCodes replaces every remaining backup code.
func (g *Gate) RegenerateBackupCodes(ctx context.Context, accountID int64) ([]string, error) {
	if _, err := g.enabled(ctx, accountID); err != nil {
		return nil, err
	}
	codes, hashes, err := g.newBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := g.store.ReplaceBackupCodes(ctx, accountID, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}

// Sweep removes expired trusted devices.
func (g *Gate) Sweep(ctx context.Context) (int64, error) {
	return g.store.DeleteExpiredDevices(ctx, g.cfg.Now())
}

func (g *Gate) admit(ctx context.Context, accountID int64) error {
	d, err := g.limiter.Status(ctx, ratelimit.ActionTwoFactor, strconv.FormatInt(accountID, 10))
	if err != nil {
		return err
	}
	return d.Err()
}

func (g *Gate) fail(ctx context.Context, accountID int64, method Method) error {
	metrics.TwoFactorVerifications.WithLabelValues(string(method), "failed").Inc()
	d, err := g.limiter.Check(ctx, ratelimit.ActionTwoFactor, strconv.FormatInt(accountID, 10))
	if err != nil {
		return err
	}
	if !d.Allowed {
		g.log.Warn("2fa attempts blocked", zap.Int64("account_id", accountID), zap.Duration("retry_after", d.RetryAfter))
		return d.Err()
	}
	return ErrInvalidCode
}

func (g *Gate) succeed(ctx context.Context, accountID int64, method Method) {
	metrics.TwoFactorVerifications.WithLabelValues(string(method), "ok").Inc()
	if err := g.limiter.Reset(ctx, ratelimit.ActionTwoFactor, strconv.FormatInt(accountID, 10)); err != nil {
		g.log.Warn("reset 2fa limiter", zap.Int64("account_id", accountID), zap.Error(err))
	}
}

// Backup codes look like ABCDE-FGH23; the alphabet has 32 symbols and skips
// look-alikes (0/O, 1/I).
const backupAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func (g *Gate) newBackupCodes() (codes, hashes []string, err error) {
	codes = make([]string, 0, g.cfg.BackupCodes)
	hashes = make([]string, 0, g.cfg.BackupCodes)
	buf := make([]byte, 10)
	for i := 0; i < g.cfg.BackupCodes; i++ {
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}
		var b strings.Builder
		for j, c := range buf {
			if j == 5 {
				b.WriteByte('-')
			}
			b.WriteByte(backupAlphabet[c&31])
		}
		code := b.String()
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}
	return codes, hashes, nil
}

func hashBackupCode(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	c = strings.NewReplacer("-", "", " ", "").Replace(c)
	return digest(c)
}

func normalizeTOTP(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), " ", "")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
