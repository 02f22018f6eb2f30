// Package blacklist is the revocation ledger for credentials rejected before
// their natural expiry.
//
// Entries are written through to the store and to the cache, so the revoking
// process sees them at once. Other processes read through their own cache:
// a revocation made elsewhere becomes visible here within CacheTTL (5 minutes
// by default). Revocation is therefore not instant across instances; a shared
// Redis cache narrows the gap to the store write itself.
package blacklist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"bizdesk/internal/cache"
	"bizdesk/internal/domain"
	"bizdesk/internal/metrics"
	"bizdesk/internal/pkg/logger"

	"go.uber.org/zap"
)

const DefaultCacheTTL = 5 * time.Minute

type Store interface {
	Add(ctx context.Context, e *domain.BlacklistEntry) error
	Exists(ctx context.Context, hash string, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type Options struct {
	CacheTTL time.Duration
	Now      func() time.Time
}

type Blacklist struct {
	store  Store
	cached *cache.Cached[string, bool]
	log    *zap.Logger
	now    func() time.Time
}

func New(store Store, client cache.Client, log *zap.Logger, opts Options) *Blacklist {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	b := &Blacklist{
		store: store,
		log:   log.Named("blacklist"),
		now:   opts.Now,
	}
	b.cached = cache.NewCached(client, cache.Options[string, bool]{
		Namespace: "bl",
		TTL:       opts.CacheTTL,
		Now:       opts.Now,
		Load: func(ctx context.Context, hash string) (bool, error) {
			return store.Exists(ctx, hash, b.now())
		},
	})
	return b
}

// Add revokes hash until expiresAt. Entries that are already expired are
// dropped since expiry alone rejects the token. If the store write fails the
// entry is still cached locally and the error is returned.
func (b *Blacklist) Add(ctx context.Context, hash string, kind domain.TokenKind, reason string, expiresAt time.Time) error {
	now := b.now()
	if !expiresAt.After(now) {
		return nil
	}

	err := b.store.Add(ctx, &domain.BlacklistEntry{
		TokenHash: hash,
		Kind:      kind,
		Reason:    reason,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: now,
	})
	if cerr := b.cached.Set(ctx, hash, true); cerr != nil {
		b.log.Warn("cache write failed", logger.TokenRef(hash), zap.Error(cerr))
	}
	if err != nil {
		b.log.Error("persist entry failed", logger.TokenRef(hash), zap.String("kind", string(kind)), zap.Error(err))
		return fmt.Errorf("blacklist add: %w", err)
	}
	return nil
}

// IsBlacklisted fails closed: when the store cannot be reached the token is
// reported as listed together with the error.
func (b *Blacklist) IsBlacklisted(ctx context.Context, hash string) (bool, error) {
	listed, err := b.cached.Get(ctx, hash)
	if err != nil {
		metrics.BlacklistLookups.WithLabelValues("error").Inc()
		b.log.Warn("lookup failed, rejecting", logger.TokenRef(hash), zap.Error(err))
		return true, fmt.Errorf("blacklist lookup: %w", err)
	}
	if listed {
		metrics.BlacklistLookups.WithLabelValues("listed").Inc()
	} else {
		metrics.BlacklistLookups.WithLabelValues("clear").Inc()
	}
	return listed, nil
}

// Sweep deletes persisted entries past their expiry. Running it again with
// nothing newly expired removes nothing.
func (b *Blacklist) Sweep(ctx context.Context) (int64, error) {
	n, err := b.store.DeleteExpired(ctx, b.now())
	if err != nil {
		return 0, fmt.Errorf("blacklist sweep: %w", err)
	}
	return n, nil
}

// Hash is the one-way digest stored in place of a raw credential.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// AccessKey is the ledger key of an access token, derived from its jti.
func AccessKey(jti string) string {
	return Hash("access:" + jti)
}

// SessionKey is the ledger key that rejects every access token of a session.
func SessionKey(sessionID string) string {
	return Hash("session:" + sessionID)
}
