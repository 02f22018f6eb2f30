package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Codec converts cached values to and from their string form.
type Codec[V any] struct {
	Encode func(V) (string, error)
	Decode func(string) (V, error)
}

func JSONCodec[V any]() Codec[V] {
	return Codec[V]{
		Encode: func(v V) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
		Decode: func(s string) (V, error) {
			var v V
			err := json.Unmarshal([]byte(s), &v)
			return v, err
		},
	}
}

// Loader reads the authoritative value from the store.
type Loader[K comparable, V any] func(ctx context.Context, k K) (V, error)

type Options[K comparable, V any] struct {
	Namespace string
	// TTL bounds how stale a cached value may be, independent of the backend's own expiry.
	TTL   time.Duration
	Key   func(K) string
	Codec Codec[V]
	Load  Loader[K, V]
	Now   func() time.Time
}

// Cached is a typed read-through cache in front of a store. Every entry is
// stamped with the time it was cached and treated as a miss once older than
// TTL, so a stale value never outlives TTL even on backends with coarse expiry.
type Cached[K comparable, V any] struct {
	client Client
	opts   Options[K, V]
	sf     singleflight.Group
}

func NewCached[K comparable, V any](client Client, opts Options[K, V]) *Cached[K, V] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Key == nil {
		opts.Key = func(k K) string { return toString(k) }
	}
	if opts.Codec.Encode == nil || opts.Codec.Decode == nil {
		opts.Codec = JSONCodec[V]()
	}
	return &Cached[K, V]{client: client, opts: opts}
}

func (c *Cached[K, V]) key(k K) string {
	return c.opts.Namespace + ":" + c.opts.Key(k)
}

// Get returns the cached value or loads it. Concurrent misses for one key
// share a single load. Cache failures degrade to a direct load.
func (c *Cached[K, V]) Get(ctx context.Context, k K) (V, error) {
	key := c.key(k)
	if v, ok := c.lookup(ctx, key); ok {
		return v, nil
	}

	res, err, _ := c.sf.Do(key, func() (any, error) {
		v, err := c.opts.Load(ctx, k)
		if err != nil {
			return v, err
		}
		_ = c.store(ctx, key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Set writes v after the caller has committed it to the store.
func (c *Cached[K, V]) Set(ctx context.Context, k K, v V) error {
	return c.store(ctx, c.key(k), v)
}

func (c *Cached[K, V]) Invalidate(ctx context.Context, k K) error {
	err := c.client.Delete(ctx, c.key(k))
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Cached[K, V]) lookup(ctx context.Context, key string) (V, bool) {
	var zero V
	raw, err := c.client.Get(ctx, key)
	if err != nil {
		return zero, false
	}
	stamp, body, found := strings.Cut(raw, "|")
	if !found {
		return zero, false
	}
	at, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return zero, false
	}
	if c.opts.TTL > 0 && c.opts.Now().Sub(time.Unix(0, at)) >= c.opts.TTL {
		return zero, false
	}
	v, err := c.opts.Codec.Decode(body)
	if err != nil {
		return zero, false
	}
	return v, true
}

func (c *Cached[K, V]) store(ctx context.Context, key string, v V) error {
	body, err := c.opts.Codec.Encode(v)
	if err != nil {
		return err
	}
	raw := strconv.FormatInt(c.opts.Now().UnixNano(), 10) + "|" + body
	return c.client.Set(ctx, key, raw, c.opts.TTL)
}

func toString(k any) string {
	switch v := k.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprint(v)
	}
}
