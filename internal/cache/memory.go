package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type memoryClient struct {
	c      *gocache.Cache
	prefix string
}

// NewMemory returns a per-process cache. Entries are evicted every minute.
func NewMemory(cfg Config) Client {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &memoryClient{c: gocache.New(ttl, time.Minute), prefix: cfg.Prefix}
}

func (m *memoryClient) key(k string) string {
	if m.prefix == "" {
		return k
	}
	return m.prefix + ":" + k
}

func (m *memoryClient) Get(_ context.Context, key string) (string, error) {
	v, ok := m.c.Get(m.key(key))
	if !ok {
		return "", ErrNotFound
	}
	s, _ := v.(string)
	return s, nil
}

func (m *memoryClient) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.c.Set(m.key(key), value, ttl)
	return nil
}

func (m *memoryClient) Delete(_ context.Context, key string) error {
	m.c.Delete(m.key(key))
	return nil
}

func (m *memoryClient) Ping(context.Context) error { return nil }

func (m *memoryClient) Close() error {
	m.c.Flush()
	return nil
}
