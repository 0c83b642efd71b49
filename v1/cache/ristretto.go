package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Ristretto adapts a dgraph-io/ristretto cache to the Cache interface. Its
// admission policy makes it a good home for hot derived values (snapshots,
// availability counts) where dropping a write is acceptable.
type Ristretto[T any] struct {
	cache *ristretto.Cache
}

// NewRistretto returns a Ristretto cache sized for roughly maxEntries items,
// each with unit cost.
func NewRistretto[T any](maxEntries int64) (*Ristretto[T], error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Ristretto[T]{cache: rc}, nil
}

// Get implements Cache.Get.
func (r *Ristretto[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	default:
	}
	raw, found := r.cache.Get(key)
	if !found {
		return zero, false, nil
	}
	value, ok := raw.(T)
	if !ok {
		return zero, false, nil
	}
	return value, true, nil
}

// Set implements Cache.Set. Ristretto admits writes asynchronously and may
// drop them under pressure; call Wait when a subsequent read must observe
// the write.
func (r *Ristretto[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	r.cache.SetWithTTL(key, value, 1, ttl)
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *Ristretto[T]) Invalidate(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	r.cache.Del(key)
	return nil
}

// Wait blocks until buffered writes have been applied.
func (r *Ristretto[T]) Wait() {
	r.cache.Wait()
}

// Close releases the underlying cache.
func (r *Ristretto[T]) Close() {
	r.cache.Close()
}
