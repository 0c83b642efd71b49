package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/perchlock/go-perch/v1/metrics"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker trips after consecutive primary failures so a down remote cache is
// not hammered on every read. After resetTimeout a single probe is let
// through; its outcome decides between closing and reopening.
type breaker struct {
	mu               sync.Mutex
	state            breakerState
	failures         int
	failureThreshold int
	resetTimeout     time.Duration
	openedAt         time.Time
}

func newBreaker(threshold int, resetTimeout time.Duration) *breaker {
	return &breaker{
		failureThreshold: threshold,
		resetTimeout:     resetTimeout,
	}
}

// allow reports whether the primary may be tried right now.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) >= b.resetTimeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		return false
	}
	return true
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = time.Now()
		return
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
		slog.Warn("perch: cache primary tripped, serving from fallback",
			"failures", b.failures,
			"reset_timeout", b.resetTimeout)
	}
}

// Fallback combines a primary cache with a local secondary. Reads and writes
// go to the primary; while the primary is failing or the breaker is open,
// the secondary keeps serving whatever it holds. Every successful primary
// read is mirrored into the secondary so the fallback window has data.
type Fallback[T any] struct {
	primary   Cache[T]
	secondary Cache[T]
	breaker   *breaker
	mirrorTTL time.Duration
}

// FallbackOption configures a Fallback cache.
type FallbackOption[T any] func(*Fallback[T])

// WithFailureThreshold sets how many consecutive primary failures trip the
// breaker.
func WithFailureThreshold[T any](n int) FallbackOption[T] {
	return func(f *Fallback[T]) {
		f.breaker.failureThreshold = n
	}
}

// WithResetTimeout sets how long the breaker stays open before probing the
// primary again.
func WithResetTimeout[T any](d time.Duration) FallbackOption[T] {
	return func(f *Fallback[T]) {
		f.breaker.resetTimeout = d
	}
}

// WithMirrorTTL sets the TTL used when mirroring primary hits into the
// secondary. Short by default so the fallback never serves long-stale data.
func WithMirrorTTL[T any](d time.Duration) FallbackOption[T] {
	return func(f *Fallback[T]) {
		f.mirrorTTL = d
	}
}

// NewFallback wraps primary with secondary as a degradation target.
func NewFallback[T any](primary, secondary Cache[T], opts ...FallbackOption[T]) *Fallback[T] {
	f := &Fallback[T]{
		primary:   primary,
		secondary: secondary,
		breaker:   newBreaker(5, 30*time.Second),
		mirrorTTL: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Get implements Cache.Get.
func (f *Fallback[T]) Get(ctx context.Context, key string) (T, bool, error) {
	if f.breaker.allow() {
		value, found, err := f.primary.Get(ctx, key)
		if err == nil {
			f.breaker.success()
			if found {
				if serr := f.secondary.Set(ctx, key, value, f.mirrorTTL); serr != nil {
					slog.Debug("perch: cache mirror failed", "key", key, "error", serr)
				}
			}
			return value, found, nil
		}
		f.breaker.failure()
		slog.Warn("perch: cache primary get failed, using fallback", "key", key, "error", err)
	}
	metrics.FallbackCounter.Inc()
	return f.secondary.Get(ctx, key)
}

// GetMulti implements BulkGetter, degrading whole batches at a time.
func (f *Fallback[T]) GetMulti(ctx context.Context, keys []string) (map[string]T, error) {
	if f.breaker.allow() {
		out, err := GetMulti(ctx, f.primary, keys)
		if err == nil {
			f.breaker.success()
			for k, v := range out {
				if serr := f.secondary.Set(ctx, k, v, f.mirrorTTL); serr != nil {
					slog.Debug("perch: cache mirror failed", "key", k, "error", serr)
				}
			}
			return out, nil
		}
		f.breaker.failure()
		slog.Warn("perch: cache primary bulk get failed, using fallback", "error", err)
	}
	metrics.FallbackCounter.Inc()
	return GetMulti(ctx, f.secondary, keys)
}

// Set implements Cache.Set. The secondary is always written so it can serve
// during an outage; a primary failure is swallowed as long as the local
// layer took the write.
func (f *Fallback[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	serr := f.secondary.Set(ctx, key, value, ttl)
	if serr != nil {
		slog.Debug("perch: cache fallback set failed", "key", key, "error", serr)
	}
	if f.breaker.allow() {
		if err := f.primary.Set(ctx, key, value, ttl); err != nil {
			f.breaker.failure()
			slog.Warn("perch: cache primary set failed", "key", key, "error", err)
		} else {
			f.breaker.success()
			return nil
		}
	}
	return serr
}

// Invalidate implements Cache.Invalidate against both layers.
func (f *Fallback[T]) Invalidate(ctx context.Context, key string) error {
	if serr := f.secondary.Invalidate(ctx, key); serr != nil {
		slog.Debug("perch: cache fallback invalidate failed", "key", key, "error", serr)
	}
	if !f.breaker.allow() {
		return nil
	}
	if err := f.primary.Invalidate(ctx, key); err != nil {
		f.breaker.failure()
		return err
	}
	f.breaker.success()
	return nil
}
