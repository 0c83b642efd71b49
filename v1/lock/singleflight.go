package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/perchlock/go-perch/v1/cache"
	"github.com/perchlock/go-perch/v1/metrics"
)

// SingleFlight collapses concurrent rebuilds of an expensive cache entry.
// Within one process, duplicate callers coalesce onto a single flight;
// across nodes, a distributed lock elects one rebuilder while everyone else
// polls the cache for the value to land.
//
// Locks and Cache must be set. The zero values of the tuning fields fall
// back to defaults sized for sub-second rebuilds.
type SingleFlight[T any] struct {
	Locks *Manager
	Cache cache.Cache[T]

	// CacheTTL is the lifetime given to rebuilt entries.
	CacheTTL time.Duration
	// LockTTL bounds the rebuild lock. It must comfortably exceed the
	// slowest expected rebuild or a second rebuilder can start mid-flight.
	LockTTL time.Duration
	// Wait is how long a loser polls for the winner's value before giving
	// up and rebuilding directly.
	Wait time.Duration
	// PollInterval is the delay between cache polls while waiting.
	PollInterval time.Duration

	group singleflight.Group
}

func (s *SingleFlight[T]) cacheTTL() time.Duration {
	if s.CacheTTL > 0 {
		return s.CacheTTL
	}
	return 5 * time.Minute
}

func (s *SingleFlight[T]) lockTTL() time.Duration {
	if s.LockTTL > 0 {
		return s.LockTTL
	}
	return 10 * time.Second
}

func (s *SingleFlight[T]) waitBudget() time.Duration {
	if s.Wait > 0 {
		return s.Wait
	}
	return 5 * time.Second
}

func (s *SingleFlight[T]) pollInterval() time.Duration {
	if s.PollInterval > 0 {
		return s.PollInterval
	}
	return 50 * time.Millisecond
}

// Get returns the cached value for key, rebuilding it at most once across
// the fleet when it is missing. rebuild runs only in the elected winner
// (or in a waiter whose patience ran out).
func (s *SingleFlight[T]) Get(ctx context.Context, key string, rebuild func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if v, found, err := s.Cache.Get(ctx, key); err == nil && found {
		return v, nil
	}
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.fill(ctx, key, rebuild)
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func (s *SingleFlight[T]) fill(ctx context.Context, key string, rebuild func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	// Another in-process flight may have landed the value already.
	if v, found, err := s.Cache.Get(ctx, key); err == nil && found {
		return v, nil
	}

	h, err := s.Locks.TryAcquire(ctx, "rebuild:"+key, s.lockTTL())
	if err == nil {
		defer func() {
			if rerr := s.Locks.Release(context.Background(), h); rerr != nil && !errors.Is(rerr, ErrNotHeld) {
				slog.Warn("perch: rebuild lock release failed", "key", key, "error", rerr)
			}
		}()
		// A rebuilder on another node may have filled the cache between our
		// miss and winning the lock.
		if v, found, cerr := s.Cache.Get(ctx, key); cerr == nil && found {
			return v, nil
		}
		v, err := rebuild(ctx)
		if err != nil {
			return zero, err
		}
		metrics.RebuildCounter.Inc()
		if serr := s.Cache.Set(ctx, key, v, s.cacheTTL()); serr != nil {
			slog.Warn("perch: rebuilt value not cached", "key", key, "error", serr)
		}
		return v, nil
	}
	if !errors.Is(err, ErrNotAcquired) {
		return zero, err
	}

	// Someone else is rebuilding; poll until their value lands.
	deadline := time.Now().Add(s.waitBudget())
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		sleep := s.pollInterval()
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
		if v, found, err := s.Cache.Get(ctx, key); err == nil && found {
			return v, nil
		}
	}

	// The winner is slow or died. Serving the read beats failing it, even
	// at the cost of a duplicate rebuild.
	slog.Warn("perch: rebuild wait elapsed, rebuilding directly", "key", key)
	v, err := rebuild(ctx)
	if err != nil {
		return zero, err
	}
	metrics.RebuildCounter.Inc()
	if serr := s.Cache.Set(ctx, key, v, s.cacheTTL()); serr != nil {
		slog.Warn("perch: rebuilt value not cached", "key", key, "error", serr)
	}
	return v, nil
}
