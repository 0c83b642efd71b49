package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Cache backed by a Redis server. Values are serialized through a
// pluggable Codec; JSON is the default so cached records stay inspectable
// with redis-cli.
type Redis[T any] struct {
	client *redis.Client
	codec  Codec[T]
	prefix string
}

// RedisOption configures a Redis cache.
type RedisOption[T any] func(*Redis[T])

// WithCodec sets the serialization codec.
func WithCodec[T any](codec Codec[T]) RedisOption[T] {
	return func(c *Redis[T]) {
		c.codec = codec
	}
}

// WithPrefix namespaces every key written by this cache.
func WithPrefix[T any](prefix string) RedisOption[T] {
	return func(c *Redis[T]) {
		c.prefix = prefix
	}
}

// NewRedis returns a Cache backed by the given Redis client.
func NewRedis[T any](client *redis.Client, opts ...RedisOption[T]) *Redis[T] {
	c := &Redis[T]{
		client: client,
		codec:  JSONCodec[T]{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Redis[T]) key(key string) string {
	return c.prefix + key
}

// Get implements Cache.Get.
func (c *Redis[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("cache get %q: %w", key, err)
	}
	value, err := c.codec.Decode(data)
	if err != nil {
		return zero, false, fmt.Errorf("cache decode %q: %w", key, err)
	}
	return value, true, nil
}

// GetMulti implements BulkGetter with a single MGET round trip. Keys that are
// absent or fail to decode are omitted from the result.
func (c *Redis[T]) GetMulti(ctx context.Context, keys []string) (map[string]T, error) {
	if len(keys) == 0 {
		return map[string]T{}, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	vals, err := c.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache mget: %w", err)
	}
	out := make(map[string]T, len(keys))
	for i, raw := range vals {
		if raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		value, err := c.codec.Decode([]byte(s))
		if err != nil {
			continue
		}
		out[keys[i]] = value
	}
	return out, nil
}

// Set implements Cache.Set.
func (c *Redis[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := c.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", key, err)
	}
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *Redis[T]) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cache invalidate %q: %w", key, err)
	}
	return nil
}
