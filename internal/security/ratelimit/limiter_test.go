package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bizdesk/internal/cache"
	"bizdesk/internal/domain"
	"bizdesk/internal/pkg/testkit"
	"bizdesk/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newLimiter(db *gorm.DB, clock *testkit.Clock) *Limiter {
	return New(repository.NewRateLimitRepository(db, 0), cache.NewMemory(cache.Config{}), DefaultRules(), zap.NewNop(),
		Options{Now: clock.Now})
}

func TestCheck_BlocksAfterMaxAndSurvivesRestart(t *testing.T) {
	db := testkit.NewDB(t)
	clock := testkit.NewClock()
	l := newLimiter(db, clock)
	ctx := context.Background()
	email := "attacker@example.com"

	for i := 1; i <= 5; i++ {
		d, err := l.Check(ctx, ActionLoginByEmail, email)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "attempt %d", i)
		assert.Equal(t, 5-i, d.Remaining)
	}

	d, err := l.Check(ctx, ActionLoginByEmail, email)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "6th attempt is blocked")
	assert.Equal(t, 30*time.Minute, d.RetryAfter)
	assert.ErrorIs(t, d.Err(), ErrRateLimited)

	// A fresh process has an empty cache but shares the store.
	restarted := newLimiter(db, clock)
	clock.Advance(10 * time.Minute)
	d, err = restarted.Check(ctx, ActionLoginByEmail, email)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 20*time.Minute, d.RetryAfter)
}

func TestCheck_BlockExpiryStartsFreshWindow(t *testing.T) {
	clock := testkit.NewClock()
	l := newLimiter(testkit.NewDB(t), clock)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := l.Check(ctx, ActionLogin, "10.0.0.1")
		require.NoError(t, err)
	}

	clock.Advance(15*time.Minute - time.Second)
	d, err := l.Check(ctx, ActionLogin, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	clock.Advance(time.Second)
	d, err = l.Check(ctx, ActionLogin, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining, "counter restarted at 1")
}

func TestCheck_WindowElapsesWithoutBlock(t *testing.T) {
	clock := testkit.NewClock()
	l := newLimiter(testkit.NewDB(t), clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.Check(ctx, ActionLogin, "ip")
		require.NoError(t, err)
	}
	clock.Advance(15 * time.Minute)

	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, ActionLogin, "ip")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "attempt %d of new window", i+1)
	}
}

func TestCheck_ConcurrentAttemptsAdmitExactlyMax(t *testing.T) {
	clock := testkit.NewClock()
	l := newLimiter(testkit.NewDB(t), clock)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Check(context.Background(), ActionTwoFactor, "acct-1")
			assert.NoError(t, err)
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), allowed.Load())
}

func TestCheck_UnknownAction(t *testing.T) {
	l := newLimiter(testkit.NewDB(t), testkit.NewClock())
	_, err := l.Check(context.Background(), "upload", "x")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

type failingStore struct {
	mock.Mock
}

func (m *failingStore) Hit(ctx context.Context, action, identifier string, now time.Time, window time.Duration, max int, block time.Duration) (*domain.RateLimitCounter, error) {
	args := m.Called(ctx, action, identifier)
	return nil, args.Error(1)
}

func (m *failingStore) Get(ctx context.Context, action, identifier string) (*domain.RateLimitCounter, error) {
	args := m.Called(ctx, action, identifier)
	return nil, args.Error(1)
}

func (m *failingStore) Reset(ctx context.Context, action, identifier string) error {
	return m.Called(ctx, action, identifier).Error(0)
}

func (m *failingStore) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return 0, args.Error(1)
}

func TestCheck_FailsClosed(t *testing.T) {
	store := new(failingStore)
	store.On("Get", mock.Anything, ActionLogin, "ip").Return(nil, domain.ErrNotFound)
	store.On("Hit", mock.Anything, ActionLogin, "ip").Return(nil, context.DeadlineExceeded)
	l := New(store, cache.NewMemory(cache.Config{}), nil, zap.NewNop(), Options{})

	d, err := l.Check(context.Background(), ActionLogin, "ip")
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestCheckAll_BothKeysMustPass(t *testing.T) {
	clock := testkit.NewClock()
	l := newLimiter(testkit.NewDB(t), clock)
	ctx := context.Background()
	email := "owner@example.com"

	// Distributed attempts on one account from many IPs.
	for i := 0; i < 6; i++ {
		_, err := l.Check(ctx, ActionLoginByEmail, email)
		require.NoError(t, err)
	}

	d, err := l.CheckAll(ctx,
		Target{Action: ActionLogin, Identifier: "203.0.113.9"},
		Target{Action: ActionLoginByEmail, Identifier: email},
	)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Minute, d.RetryAfter)
	assert.Zero(t, d.Remaining)
}

func TestStatus_DoesNotCount(t *testing.T) {
	clock := testkit.NewClock()
	l := newLimiter(testkit.NewDB(t), clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Status(ctx, ActionTwoFactor, "acct")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 5, d.Remaining)
	}

	_, err := l.Check(ctx, ActionTwoFactor, "acct")
	require.NoError(t, err)
	d, err := l.Status(ctx, ActionTwoFactor, "acct")
	require.NoError(t, err)
	assert.Equal(t, 4, d.Remaining)
}

func TestReset(t *testing.T) {
	clock := testkit.NewClock()
	l := newLimiter(testkit.NewDB(t), clock)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := l.Check(ctx, ActionPasswordReset, "a@b.c")
		require.NoError(t, err)
	}
	require.NoError(t, l.Reset(ctx, ActionPasswordReset, "a@b.c"))

	d, err := l.Check(ctx, ActionPasswordReset, "a@b.c")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestSweep_Idempotent(t *testing.T) {
	clock := testkit.NewClock()
	l := newLimiter(testkit.NewDB(t), clock)
	ctx := context.Background()

	_, err := l.Check(ctx, ActionAPI, "ip-1")
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)
	n, err := l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = l.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
