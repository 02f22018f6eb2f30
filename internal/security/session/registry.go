// Package session tracks one durable record per logged-in device and enforces
// the per-account concurrent session cap.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bizdesk/internal/domain"
	"bizdesk/internal/metrics"
	"bizdesk/internal/security/blacklist"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrSessionNotActive = errors.New("session is not active")

type Store interface {
	CreateCapped(ctx context.Context, s *domain.Session, max int, activeSince time.Time) ([]domain.Session, error)
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	Touch(ctx context.Context, id string, at, activeSince time.Time) (bool, error)
	Revoke(ctx context.Context, id string, reason domain.RevokeReason, at time.Time) (bool, error)
	RevokeByAccount(ctx context.Context, accountID int64, reason domain.RevokeReason, at time.Time) ([]string, error)
	ListActive(ctx context.Context, accountID int64, activeSince time.Time) ([]domain.Session, error)
	RevokeInactive(ctx context.Context, activeSince, at time.Time, limit int) ([]string, error)
	DeleteRevokedBefore(ctx context.Context, before time.Time) (int64, error)
}

// RefreshStore revokes the refresh tokens bound to a session.
type RefreshStore interface {
	RevokeBySession(ctx context.Context, sessionID string, at time.Time) ([]domain.RefreshToken, error)
}

// Revoker is the blacklist side of credential revocation.
type Revoker interface {
	Add(ctx context.Context, hash string, kind domain.TokenKind, reason string, expiresAt time.Time) error
}

type Config struct {
	MaxPerUser        int
	InactivityTimeout time.Duration
	// AccessTTL bounds how long a revoked session's access tokens stay blacklisted.
	AccessTTL time.Duration
	// Retention keeps revoked rows around for the session list and audits.
	Retention  time.Duration
	SweepBatch int
	Now        func() time.Time
}

type NewSession struct {
	AccountID         int64
	CompanyID         int64
	Role              string
	DeviceFingerprint string
	UserAgent         string
	IP                string
}

type Registry struct {
	store   Store
	refresh RefreshStore
	revoker Revoker
	cfg     Config
	log     *zap.Logger
}

func NewRegistry(store Store, refresh RefreshStore, revoker Revoker, cfg Config, log *zap.Logger) *Registry {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 5
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 24 * time.Hour
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		store:   store,
		refresh: refresh,
		revoker: revoker,
		cfg:     cfg,
		log:     log.Named("session"),
	}
}

func (r *Registry) activeSince(now time.Time) time.Time {
	return now.Add(-r.cfg.InactivityTimeout)
}

// Create opens a session. When the account is at the cap the least recently
// active sessions are revoked in the same transaction, so a burst of logins
// cannot push the account over MaxPerUser.
func (r *Registry) Create(ctx context.Context, in NewSession) (*domain.Session, error) {
	now := r.cfg.Now()
	s := &domain.Session{
		ID:                uuid.NewString(),
		AccountID:         in.AccountID,
		CompanyID:         in.CompanyID,
		Role:              in.Role,
		DeviceFingerprint: in.DeviceFingerprint,
		UserAgent:         in.UserAgent,
		IP:                in.IP,
		CreatedAt:         now,
		LastActivityAt:    now,
	}

	evicted, err := r.store.CreateCapped(ctx, s, r.cfg.MaxPerUser, r.activeSince(now))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	for _, v := range evicted {
		metrics.SessionRevocations.WithLabelValues(string(domain.ReasonEvicted)).Inc()
		r.log.Info("session evicted",
			zap.Int64("account_id", v.AccountID),
			zap.String("session_id", v.ID),
			zap.Time("last_activity_at", v.LastActivityAt),
		)
		if err := r.revokeCredentials(ctx, v.ID, domain.ReasonEvicted, now); err != nil {
			r.log.Error("revoke evicted credentials", zap.String("session_id", v.ID), zap.Error(err))
		}
	}
	return s, nil
}

// Touch records activity. It fails with ErrSessionNotActive for a revoked,
// idle or unknown session.
func (r *Registry) Touch(ctx context.Context, id string) error {
	now := r.cfg.Now()
	ok, err := r.store.Touch(ctx, id, now, r.activeSince(now))
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if !ok {
		return ErrSessionNotActive
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*domain.Session, error) {
	return r.store.GetByID(ctx, id)
}

// Active returns the session only if it is neither revoked nor idle.
func (r *Registry) Active(ctx context.Context, id string) (*domain.Session, error) {
	s, err := r.store.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrSessionNotActive
	}
	if err != nil {
		return nil, err
	}
	if !s.IsActive(r.cfg.Now(), r.cfg.InactivityTimeout) {
		return nil, ErrSessionNotActive
	}
	return s, nil
}

func (r *Registry) IsActive(ctx context.Context, id string) (bool, error) {
	_, err := r.Active(ctx, id)
	if errors.Is(err, ErrSessionNotActive) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Revoke ends one session and every credential issued for it. Revoking an
// already revoked session is a no-op.
func (r *Registry) Revoke(ctx context.Context, id string, reason domain.RevokeReason) error {
	now := r.cfg.Now()
	ok, err := r.store.Revoke(ctx, id, reason, now)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if !ok {
		return nil
	}
	metrics.SessionRevocations.WithLabelValues(string(reason)).Inc()
	r.log.Info("session revoked", zap.String("session_id", id), zap.String("reason", string(reason)))
	return r.revokeCredentials(ctx, id, reason, now)
}

// RevokeAll ends every live session of the account and returns how many were revoked.
func (r *Registry) RevokeAll(ctx context.Context, accountID int64, reason domain.RevokeReason) (int, error) {
	now := r.cfg.Now()
	ids, err := r.store.RevokeByAccount(ctx, accountID, reason, now)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}

	var errs []error
	for _, id := range ids {
		metrics.SessionRevocations.WithLabelValues(string(reason)).Inc()
		if err := r.revokeCredentials(ctx, id, reason, now); err != nil {
			errs = append(errs, err)
		}
	}
	r.log.Info("account sessions revoked",
		zap.Int64("account_id", accountID),
		zap.Int("count", len(ids)),
		zap.String("reason", string(reason)),
	)
	return len(ids), errors.Join(errs...)
}

func (r *Registry) List(ctx context.Context, accountID int64) ([]domain.Session, error) {
	return r.store.ListActive(ctx, accountID, r.activeSince(r.cfg.Now()))
}

// SweepInactive revokes sessions idle past the timeout and purges rows revoked
// longer ago than the retention. Request paths never depend on it: Active
// already rejects idle sessions.
func (r *Registry) SweepInactive(ctx context.Context) (int64, error) {
	now := r.cfg.Now()
	var revoked int64
	for {
		ids, err := r.store.RevokeInactive(ctx, r.activeSince(now), now, r.cfg.SweepBatch)
		if err != nil {
			return revoked, fmt.Errorf("sweep sessions: %w", err)
		}
		for _, id := range ids {
			if err := r.revokeCredentials(ctx, id, domain.ReasonInactivity, now); err != nil {
				r.log.Warn("revoke idle credentials", zap.String("session_id", id), zap.Error(err))
			}
		}
		revoked += int64(len(ids))
		metrics.SessionRevocations.WithLabelValues(string(domain.ReasonInactivity)).Add(float64(len(ids)))
		if len(ids) < r.cfg.SweepBatch {
			break
		}
	}

	purged, err := r.store.DeleteRevokedBefore(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		return revoked, fmt.Errorf("purge sessions: %w", err)
	}
	return revoked + purged, nil
}

// revokeCredentials revokes the session's refresh tokens and blacklists them,
// then blacklists the session key so its outstanding access tokens are rejected.
func (r *Registry) revokeCredentials(ctx context.Context, sessionID string, reason domain.RevokeReason, now time.Time) error {
	tokens, err := r.refresh.RevokeBySession(ctx, sessionID, now)
	if err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}

	var errs []error
	for _, t := range tokens {
		if err := r.revoker.Add(ctx, t.TokenHash, domain.TokenKindRefresh, string(reason), t.ExpiresAt); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.revoker.Add(ctx, blacklist.SessionKey(sessionID), domain.TokenKindSession, string(reason), now.Add(r.cfg.AccessTTL)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
