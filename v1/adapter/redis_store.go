package adapter

import (
	"context"
	stdErrors "errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/perchlock/go-perch/v1/cache"
	percherrors "github.com/perchlock/go-perch/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisStore implements Store on a Redis backend. When it shares a database
// with the coordination keys, give it a prefix so Keys does not pick up lock
// tokens and seat bitmaps.
type RedisStore[T any] struct {
	client  *redis.Client
	timeout time.Duration
	prefix  string
	codec   cache.Codec[T]
}

// RedisOption configures a RedisStore.
type RedisOption[T any] func(*RedisStore[T])

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout[T any](d time.Duration) RedisOption[T] {
	return func(s *RedisStore[T]) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRedisPrefix namespaces every key under prefix.
func WithRedisPrefix[T any](prefix string) RedisOption[T] {
	return func(s *RedisStore[T]) { s.prefix = prefix }
}

// WithRedisCodec sets the value codec (default JSON).
func WithRedisCodec[T any](c cache.Codec[T]) RedisOption[T] {
	return func(s *RedisStore[T]) {
		if c != nil {
			s.codec = c
		}
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore[T any](client *redis.Client, opts ...RedisOption[T]) *RedisStore[T] {
	s := &RedisStore[T]{
		client:  client,
		timeout: defaultRedisOpTimeout,
		codec:   cache.JSONCodec[T]{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func mapRedisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return percherrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return percherrors.ErrConnectionClosed
	default:
		return err
	}
}

// Get implements Store.Get.
func (s *RedisStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, mapRedisErr(err)
	}
	v, err := s.codec.Decode(data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *RedisStore[T]) Set(ctx context.Context, key string, value T) error {
	if err := ctx.Err(); err != nil {
		return mapRedisErr(err)
	}
	data, err := s.codec.Encode(value)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(cctx, s.prefix+key, data, 0).Err(); err != nil {
		return mapRedisErr(err)
	}
	return nil
}

// Keys implements Store.Keys using SCAN to iterate without blocking the
// server. Returned keys have the store's prefix stripped.
func (s *RedisStore[T]) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var cursor uint64
	var keys []string
	for {
		batch, next, err := s.client.Scan(cctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, mapRedisErr(err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return keys, nil
}

// Batch implements Batcher.Batch using a Redis transaction pipeline. The
// pipeline runs commands in stage order, so later operations on a key win.
func (s *RedisStore[T]) Batch(ctx context.Context) (Batch[T], error) {
	return &redisBatch[T]{s: s}, nil
}

type redisBatch[T any] struct {
	s   *RedisStore[T]
	ops []func(ctx context.Context, pipe redis.Pipeliner)
}

// Set encodes eagerly so a bad value surfaces when staged, not at commit.
func (b *redisBatch[T]) Set(ctx context.Context, key string, value T) error {
	data, err := b.s.codec.Encode(value)
	if err != nil {
		return err
	}
	full := b.s.prefix + key
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Set(ctx, full, data, 0)
	})
	return nil
}

func (b *redisBatch[T]) Delete(ctx context.Context, key string) error {
	full := b.s.prefix + key
	b.ops = append(b.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Del(ctx, full)
	})
	return nil
}

func (b *redisBatch[T]) Commit(ctx context.Context) error {
	ops := b.ops
	b.ops = nil
	if err := ctx.Err(); err != nil {
		return mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, b.s.timeout)
	defer cancel()
	pipe := b.s.client.TxPipeline()
	for _, op := range ops {
		op(cctx, pipe)
	}
	if _, err := pipe.Exec(cctx); err != nil {
		return mapRedisErr(err)
	}
	return nil
}
