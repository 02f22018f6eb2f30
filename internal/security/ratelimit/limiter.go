// Package ratelimit is a fixed-window counter with an escalating block,
// keyed by action and identifier.
//
// The store is authoritative: every counted attempt is one atomic
// increment-and-compare in the database, so restarts and other instances see
// the same count. The cache only short-circuits keys that are already blocked.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bizdesk/internal/cache"
	"bizdesk/internal/domain"
	"bizdesk/internal/metrics"

	"go.uber.org/zap"
)

const (
	ActionLogin         = "login"
	ActionLoginByEmail  = "login-by-email"
	ActionTwoFactor     = "2fa"
	ActionAPI           = "api"
	ActionPasswordReset = "password-reset"
)

const (
	DefaultCacheTTL = time.Minute
	// failClosedRetry is reported when the store cannot decide.
	failClosedRetry = time.Minute
)

var (
	ErrRateLimited   = errors.New("too many attempts")
	ErrUnknownAction = errors.New("unknown rate limit action")
)

// LimitError carries the wait before the next attempt may succeed.
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("too many attempts, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Is(target error) bool { return target == ErrRateLimited }

type Rule struct {
	Window time.Duration
	Max    int
	Block  time.Duration
}

func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ActionLogin:         {Window: 15 * time.Minute, Max: 5, Block: 15 * time.Minute},
		ActionLoginByEmail:  {Window: 15 * time.Minute, Max: 5, Block: 30 * time.Minute},
		ActionTwoFactor:     {Window: 5 * time.Minute, Max: 5, Block: 15 * time.Minute},
		ActionAPI:           {Window: time.Minute, Max: 120, Block: time.Minute},
		ActionPasswordReset: {Window: time.Hour, Max: 3, Block: time.Hour},
	}
}

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

// Err converts a denial into a *LimitError; an allowed decision yields nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &LimitError{RetryAfter: d.RetryAfter}
}

type Store interface {
	Hit(ctx context.Context, action, identifier string, now time.Time, window time.Duration, max int, block time.Duration) (*domain.RateLimitCounter, error)
	Get(ctx context.Context, action, identifier string) (*domain.RateLimitCounter, error)
	Reset(ctx context.Context, action, identifier string) error
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// Target names one counter.
type Target struct {
	Action     string
	Identifier string
}

type state struct {
	Attempts     int        `json:"a"`
	WindowStart  time.Time  `json:"w"`
	BlockedUntil *time.Time `json:"b,omitempty"`
}

func (s state) blocked(now time.Time) bool {
	return s.BlockedUntil != nil && now.Before(*s.BlockedUntil)
}

func fromCounter(c *domain.RateLimitCounter) state {
	return state{Attempts: c.Attempts, WindowStart: c.WindowStart, BlockedUntil: c.BlockedUntil}
}

type Options struct {
	CacheTTL time.Duration
	Now      func() time.Time
}

type Limiter struct {
	store  Store
	rules  map[string]Rule
	cached *cache.Cached[Target, state]
	log    *zap.Logger
	now    func() time.Time
}

func New(store Store, client cache.Client, rules map[string]Rule, log *zap.Logger, opts Options) *Limiter {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{
		store: store,
		rules: rules,
		log:   log.Named("ratelimit"),
		now:   opts.Now,
		cached: cache.NewCached(client, cache.Options[Target, state]{
			Namespace: "rl",
			TTL:       opts.CacheTTL,
			Now:       opts.Now,
			Key:       func(t Target) string { return t.Action + ":" + t.Identifier },
			Load: func(ctx context.Context, t Target) (state, error) {
				c, err := store.Get(ctx, t.Action, t.Identifier)
				if errors.Is(err, domain.ErrNotFound) {
					return state{}, nil
				}
				if err != nil {
					return state{}, err
				}
				return fromCounter(c), nil
			},
		}),
	}
}

func (l *Limiter) rule(action string) (Rule, error) {
	r, ok := l.rules[action]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return r, nil
}

// Check counts one attempt. A blocked key is rejected without being counted.
// When the store fails the attempt is rejected and the error returned.
func (l *Limiter) Check(ctx context.Context, action, identifier string) (Decision, error) {
	rule, err := l.rule(action)
	if err != nil {
		return Decision{}, err
	}
	now := l.now()
	t := Target{Action: action, Identifier: identifier}

	st, err := l.cached.Get(ctx, t)
	if err != nil {
		return l.failClosed(action, err)
	}
	if st.blocked(now) {
		metrics.RateLimitDecisions.WithLabelValues(action, "blocked").Inc()
		return Decision{RetryAfter: st.BlockedUntil.Sub(now)}, nil
	}

	c, err := l.store.Hit(ctx, action, identifier, now, rule.Window, rule.Max, rule.Block)
	if err != nil {
		return l.failClosed(action, err)
	}
	st = fromCounter(c)
	if err := l.cached.Set(ctx, t, st); err != nil {
		l.log.Warn("cache write failed", zap.String("action", action), zap.Error(err))
	}

	if st.blocked(now) {
		metrics.RateLimitDecisions.WithLabelValues(action, "blocked").Inc()
		if c.Attempts == rule.Max+1 {
			l.log.Warn("rate limit block started",
				zap.String("action", action),
				zap.String("identifier", identifier),
				zap.Time("blocked_until", *st.BlockedUntil),
			)
		}
		return Decision{RetryAfter: st.BlockedUntil.Sub(now)}, nil
	}

	metrics.RateLimitDecisions.WithLabelValues(action, "allowed").Inc()
	return Decision{Allowed: true, Remaining: max(rule.Max-st.Attempts, 0)}, nil
}

// CheckAll counts the attempt against every target. The attempt passes only
// if all do; the longest wait is reported.
func (l *Limiter) CheckAll(ctx context.Context, targets ...Target) (Decision, error) {
	out := Decision{Allowed: true, Remaining: -1}
	for _, t := range targets {
		d, err := l.Check(ctx, t.Action, t.Identifier)
		if err != nil {
			return d, err
		}
		if !d.Allowed {
			out.Allowed = false
			if d.RetryAfter > out.RetryAfter {
				out.RetryAfter = d.RetryAfter
			}
		}
		if out.Remaining < 0 || d.Remaining < out.Remaining {
			out.Remaining = d.Remaining
		}
	}
	if !out.Allowed {
		out.Remaining = 0
	}
	return out, nil
}

// Status reports whether the key is blocked without counting an attempt.
func (l *Limiter) Status(ctx context.Context, action, identifier string) (Decision, error) {
	rule, err := l.rule(action)
	if err != nil {
		return Decision{}, err
	}
	now := l.now()

	st, err := l.cached.Get(ctx, Target{Action: action, Identifier: identifier})
	if err != nil {
		return l.failClosed(action, err)
	}
	if st.blocked(now) {
		return Decision{RetryAfter: st.BlockedUntil.Sub(now)}, nil
	}
	used := st.Attempts
	if st.BlockedUntil != nil || !now.Before(st.WindowStart.Add(rule.Window)) {
		used = 0
	}
	return Decision{Allowed: true, Remaining: max(rule.Max-used, 0)}, nil
}

// Reset forgets the counter, e.g. after a successful login.
func (l *Limiter) Reset(ctx context.Context, action, identifier string) error {
	if err := l.store.Reset(ctx, action, identifier); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return l.cached.Invalidate(ctx, Target{Action: action, Identifier: identifier})
}

// Sweep deletes counters that can no longer influence a decision.
func (l *Limiter) Sweep(ctx context.Context) (int64, error) {
	var horizon time.Duration
	for _, r := range l.rules {
		if d := r.Window + r.Block; d > horizon {
			horizon = d
		}
	}
	n, err := l.store.DeleteStale(ctx, l.now().Add(-horizon))
	if err != nil {
		return 0, fmt.Errorf("rate limit sweep: %w", err)
	}
	return n, nil
}

func (l *Limiter) failClosed(action string, err error) (Decision, error) {
	metrics.RateLimitDecisions.WithLabelValues(action, "error").Inc()
	l.log.Error("store unavailable, rejecting attempt", zap.String("action", action), zap.Error(err))
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return Decision{RetryAfter: failClosedRetry}, err
}
