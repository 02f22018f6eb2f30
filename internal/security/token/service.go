// Package token issues, verifies, rotates and revokes the credential pair of a
// session: a signed access token and an opaque, single-use refresh token.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"bizdesk/internal/domain"
	"bizdesk/internal/metrics"
	"bizdesk/internal/pkg/jwt"
	"bizdesk/internal/pkg/logger"
	"bizdesk/internal/security/blacklist"
	"bizdesk/internal/security/session"

	"go.uber.org/zap"
)

var (
	ErrExpiredToken     = jwt.ErrExpiredToken
	ErrInvalidSignature = jwt.ErrInvalidSignature
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenRevoked     = errors.New("token revoked")

	ErrRefreshNotFound = errors.New("refresh token not found")
	ErrRefreshReused   = errors.New("refresh token already used")
	ErrRefreshExpired  = errors.New("refresh token expired")
	ErrRefreshRevoked  = errors.New("refresh token revoked")
)

type RefreshStore interface {
	Create(ctx context.Context, t *domain.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*domain.RefreshToken, error)
	Rotate(ctx context.Context, oldID int64, next *domain.RefreshToken, at time.Time) error
	RevokeByHash(ctx context.Context, hash string, at time.Time) (*domain.RefreshToken, error)
}

type Sessions interface {
	Active(ctx context.Context, id string) (*domain.Session, error)
	Touch(ctx context.Context, id string) error
	Revoke(ctx context.Context, id string, reason domain.RevokeReason) error
	RevokeAll(ctx context.Context, accountID int64, reason domain.RevokeReason) (int, error)
}

type Blacklist interface {
	Add(ctx context.Context, hash string, kind domain.TokenKind, reason string, expiresAt time.Time) error
	IsBlacklisted(ctx context.Context, hash string) (bool, error)
}

type Config struct {
	RefreshTTL time.Duration
	// Pepper keys the refresh token hash so a leaked table cannot be matched offline.
	Pepper string
	// ReuseRevokesAll widens reuse detection from the one session to the whole account.
	ReuseRevokesAll bool
	Now             func() time.Time
}

// Subject is who a pair is issued to.
type Subject struct {
	AccountID int64
	CompanyID int64
	SessionID string
	Role      string
}

type Pair struct {
	SessionID        string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

type Service struct {
	jwt       *jwt.Service
	refresh   RefreshStore
	sessions  Sessions
	blacklist Blacklist
	cfg       Config
	log       *zap.Logger
}

func NewService(jwtSvc *jwt.Service, refresh RefreshStore, sessions Sessions, bl Blacklist, cfg Config, log *zap.Logger) *Service {
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		jwt:       jwtSvc,
		refresh:   refresh,
		sessions:  sessions,
		blacklist: bl,
		cfg:       cfg,
		log:       log.Named("token"),
	}
}

// Issue mints a pair bound to sub.SessionID. Only the refresh token's hash is stored.
func (s *Service) Issue(ctx context.Context, sub Subject) (*Pair, error) {
	now := s.cfg.Now()
	raw, hash, err := s.newRefreshToken()
	if err != nil {
		return nil, err
	}

	rt := &domain.RefreshToken{
		SessionID: sub.SessionID,
		AccountID: sub.AccountID,
		TokenHash: hash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
	}
	if err := s.refresh.Create(ctx, rt); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return s.pair(sub, raw, rt.ExpiresAt)
}

func (s *Service) pair(sub Subject, refreshRaw string, refreshExp time.Time) (*Pair, error) {
	access, claims, err := s.jwt.GenerateToken(sub.AccountID, sub.CompanyID, sub.SessionID, sub.Role)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	return &Pair{
		SessionID:        sub.SessionID,
		AccessToken:      access,
		AccessExpiresAt:  claims.ExpiresAt.Time,
		RefreshToken:     refreshRaw,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyAccess checks signature and expiry only; it never touches the store.
func (s *Service) VerifyAccess(token string) (*jwt.Claims, error) {
	claims, err := s.jwt.ValidateToken(token)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrExpiredToken):
		return nil, ErrExpiredToken
	case errors.Is(err, jwt.ErrInvalidSignature):
		return nil, ErrInvalidSignature
	default:
		return nil, ErrInvalidToken
	}
}

// Authenticate is VerifyAccess plus the blacklist check on both the token and
// its session. A blacklist failure rejects the token.
func (s *Service) Authenticate(ctx context.Context, token string) (*jwt.Claims, error) {
	claims, err := s.VerifyAccess(token)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{blacklist.AccessKey(claims.ID), blacklist.SessionKey(claims.SessionID)} {
		listed, err := s.blacklist.IsBlacklisted(ctx, key)
		if err != nil {
			return nil, err
		}
		if listed {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

// RotateRefresh exchanges a refresh token for a new pair on the same session.
// The old token is marked used by a conditional update, so of two concurrent
// calls with one token only one can succeed. Presenting a used token is taken
// as theft and revokes the session (or every session, per ReuseRevokesAll).
func (s *Service) RotateRefresh(ctx context.Context, raw string) (*Pair, error) {
	now := s.cfg.Now()
	hash := HashRefreshToken(raw, s.cfg.Pepper)

	old, err := s.refresh.GetByHash(ctx, hash)
	if errors.Is(err, domain.ErrNotFound) {
		metrics.RefreshRotations.WithLabelValues("not_found").Inc()
		return nil, ErrRefreshNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load refresh token: %w", err)
	}

	switch {
	case old.IsUsed():
		s.onReuse(ctx, old)
		return nil, ErrRefreshReused
	case old.IsRevoked():
		metrics.RefreshRotations.WithLabelValues("revoked").Inc()
		return nil, ErrRefreshRevoked
	case old.IsExpired(now):
		metrics.RefreshRotations.WithLabelValues("expired").Inc()
		if err := s.sessions.Revoke(ctx, old.SessionID, domain.ReasonRefreshExpired); err != nil {
			s.log.Warn("revoke session of expired refresh token", zap.String("session_id", old.SessionID), zap.Error(err))
		}
		return nil, ErrRefreshExpired
	}

	listed, err := s.blacklist.IsBlacklisted(ctx, hash)
	if err != nil {
		return nil, err
	}
	if listed {
		metrics.RefreshRotations.WithLabelValues("revoked").Inc()
		return nil, ErrRefreshRevoked
	}

	sess, err := s.sessions.Active(ctx, old.SessionID)
	if errors.Is(err, session.ErrSessionNotActive) {
		metrics.RefreshRotations.WithLabelValues("revoked").Inc()
		return nil, ErrRefreshRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	nextRaw, nextHash, err := s.newRefreshToken()
	if err != nil {
		return nil, err
	}
	next := &domain.RefreshToken{
		SessionID: old.SessionID,
		AccountID: old.AccountID,
		TokenHash: nextHash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
	}
	if err := s.refresh.Rotate(ctx, old.ID, next, now); err != nil {
		if errors.Is(err, domain.ErrAlreadyConsumed) {
			s.onReuse(ctx, old)
			return nil, ErrRefreshReused
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	metrics.RefreshRotations.WithLabelValues("ok").Inc()

	if err := s.blacklist.Add(ctx, hash, domain.TokenKindRefresh, "rotated", old.ExpiresAt); err != nil {
		s.log.Warn("blacklist rotated refresh token", logger.TokenRef(hash), zap.Error(err))
	}
	if err := s.sessions.Touch(ctx, sess.ID); err != nil {
		s.log.Warn("touch session", zap.String("session_id", sess.ID), zap.Error(err))
	}

	return s.pair(Subject{
		AccountID: sess.AccountID,
		CompanyID: sess.CompanyID,
		SessionID: sess.ID,
		Role:      sess.Role,
	}, nextRaw, next.ExpiresAt)
}

func (s *Service) onReuse(ctx context.Context, old *domain.RefreshToken) {
	metrics.RefreshRotations.WithLabelValues("reused").Inc()
	s.log.Warn("refresh token reuse detected",
		logger.TokenRef(old.TokenHash),
		zap.Int64("account_id", old.AccountID),
		zap.String("session_id", old.SessionID),
		zap.Bool("revoke_all", s.cfg.ReuseRevokesAll),
	)

	var err error
	if s.cfg.ReuseRevokesAll {
		_, err = s.sessions.RevokeAll(ctx, old.AccountID, domain.ReasonRefreshReuse)
	} else {
		err = s.sessions.Revoke(ctx, old.SessionID, domain.ReasonRefreshReuse)
	}
	if err != nil {
		s.log.Error("revoke after refresh reuse", zap.String("session_id", old.SessionID), zap.Error(err))
	}
}

// Revoke blacklists a single credential until its own expiry. Access tokens
// are keyed by jti; refresh tokens by their hash.
func (s *Service) Revoke(ctx context.Context, token string, reason string) error {
	if strings.Count(token, ".") == 2 {
		claims, err := s.VerifyAccess(token)
		if errors.Is(err, ErrExpiredToken) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.blacklist.Add(ctx, blacklist.AccessKey(claims.ID), domain.TokenKindAccess, reason, claims.ExpiresAt.Time)
	}

	hash := HashRefreshToken(token, s.cfg.Pepper)
	rt, err := s.refresh.RevokeByHash(ctx, hash, s.cfg.Now())
	if errors.Is(err, domain.ErrNotFound) {
		return ErrRefreshNotFound
	}
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return s.blacklist.Add(ctx, hash, domain.TokenKindRefresh, reason, rt.ExpiresAt)
}

// SessionOf resolves the session a live refresh token belongs to. Used and
// revoked tokens report ErrRefreshRevoked, expired ones ErrRefreshExpired.
func (s *Service) SessionOf(ctx context.Context, raw string) (string, error) {
	rt, err := s.refresh.GetByHash(ctx, HashRefreshToken(raw, s.cfg.Pepper))
	if errors.Is(err, domain.ErrNotFound) {
		return "", ErrRefreshNotFound
	}
	if err != nil {
		return "", err
	}
	switch {
	case rt.IsUsed(), rt.IsRevoked():
		return "", ErrRefreshRevoked
	case rt.IsExpired(s.cfg.Now()):
		return "", ErrRefreshExpired
	}
	return rt.SessionID, nil
}

func (s *Service) newRefreshToken() (raw, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(b)
	return raw, HashRefreshToken(raw, s.cfg.Pepper), nil
}

// HashRefreshToken is HMAC-SHA256(pepper, raw) in hex.
func HashRefreshToken(raw, pepper string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}
