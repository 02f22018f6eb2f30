package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisClient(t *testing.T) Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(Config{Driver: "redis", Addr: mr.Addr(), Prefix: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClients_GetSetDelete(t *testing.T) {
	clients := map[string]Client{
		"memory": NewMemory(Config{Prefix: "test", DefaultTTL: time.Minute}),
		"redis":  newRedisClient(t),
	}
	for name, c := range clients {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := c.Get(ctx, "k")
			assert.True(t, IsNotFound(err))

			require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
			got, err := c.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v", got)

			require.NoError(t, c.Delete(ctx, "k"))
			_, err = c.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NoError(t, c.Ping(ctx))
		})
	}
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New(Config{Driver: "memcached"})
	assert.Error(t, err)
}

func TestCached_ReadThroughAndTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	var loads atomic.Int32
	value := "v1"

	c := NewCached(NewMemory(Config{}), Options[string, string]{
		Namespace: "ns",
		TTL:       time.Minute,
		Now:       clock.Now,
		Load: func(_ context.Context, k string) (string, error) {
			loads.Add(1)
			return value, nil
		},
	})
	ctx := context.Background()

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	value = "v2"
	got, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v1", got, "served from cache within TTL")
	assert.Equal(t, int32(1), loads.Load())

	clock.Advance(time.Minute)
	got, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v2", got, "reloaded once TTL elapsed")
	assert.Equal(t, int32(2), loads.Load())
}

func TestCached_SetAndInvalidate(t *testing.T) {
	var loads atomic.Int32
	c := NewCached(newRedisClient(t), Options[int64, bool]{
		Namespace: "bl",
		TTL:       time.Minute,
		Load: func(context.Context, int64) (bool, error) {
			loads.Add(1)
			return false, nil
		},
	})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, 7, true))
	got, err := c.Get(ctx, 7)
	require.NoError(t, err)
	assert.True(t, got)
	assert.Zero(t, loads.Load())

	require.NoError(t, c.Invalidate(ctx, 7))
	got, err = c.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, got)
	assert.Equal(t, int32(1), loads.Load())
}

func TestCached_LoadErrorIsNotCached(t *testing.T) {
	boom := errors.New("store down")
	fail := true
	c := NewCached(NewMemory(Config{}), Options[string, int]{
		Namespace: "n",
		TTL:       time.Minute,
		Load: func(context.Context, string) (int, error) {
			if fail {
				return 0, boom
			}
			return 42, nil
		},
	})
	ctx := context.Background()

	_, err := c.Get(ctx, "x")
	assert.ErrorIs(t, err, boom)

	fail = false
	got, err := c.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
