package store

import (
	"context"
	"fmt"
	"time"

	perrors "github.com/perchlock/go-perch/v1/errors"
)

// WithRetries wraps c so transient failures are retried up to attempts times
// with a fixed backoff between tries, then surfaced wrapped in
// errors.ErrStoreUnavailable. Logical outcomes (false results, absent keys)
// pass through untouched; only returned errors count as failures.
func WithRetries(c Client, attempts int, backoff time.Duration) Client {
	if attempts < 1 {
		attempts = 1
	}
	return &retrying{c: c, attempts: attempts, backoff: backoff}
}

type retrying struct {
	c        Client
	attempts int
	backoff  time.Duration
}

func (r *retrying) do(ctx context.Context, op func() error) error {
	var err error
	for i := 0; i < r.attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if i == r.attempts-1 {
			break
		}
		t := time.NewTimer(r.backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %w", perrors.ErrStoreUnavailable, err)
}

func (r *retrying) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := r.do(ctx, func() (e error) {
		ok, e = r.c.SetNX(ctx, key, value, ttl)
		return
	})
	return ok, err
}

func (r *retrying) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		v  string
		ok bool
	)
	err := r.do(ctx, func() (e error) {
		v, ok, e = r.c.Get(ctx, key)
		return
	})
	return v, ok, err
}

func (r *retrying) Del(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := r.do(ctx, func() (e error) {
		ok, e = r.c.Del(ctx, key)
		return
	})
	return ok, err
}

func (r *retrying) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	var ok bool
	err := r.do(ctx, func() (e error) {
		ok, e = r.c.CompareAndDelete(ctx, key, expected)
		return
	})
	return ok, err
}

func (r *retrying) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	var ok bool
	err := r.do(ctx, func() (e error) {
		ok, e = r.c.CompareAndExpire(ctx, key, expected, ttl)
		return
	})
	return ok, err
}

func (r *retrying) GetBit(ctx context.Context, key string, offset int64) (int, error) {
	var v int
	err := r.do(ctx, func() (e error) {
		v, e = r.c.GetBit(ctx, key, offset)
		return
	})
	return v, err
}

func (r *retrying) SetBit(ctx context.Context, key string, offset int64, value int) (int, error) {
	var v int
	err := r.do(ctx, func() (e error) {
		v, e = r.c.SetBit(ctx, key, offset, value)
		return
	})
	return v, err
}

func (r *retrying) BitCount(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.do(ctx, func() (e error) {
		n, e = r.c.BitCount(ctx, key)
		return
	})
	return n, err
}

func (r *retrying) GetMulti(ctx context.Context, keys []string) (map[string]string, error) {
	var m map[string]string
	err := r.do(ctx, func() (e error) {
		m, e = r.c.GetMulti(ctx, keys)
		return
	})
	return m, err
}

func (r *retrying) GetBits(ctx context.Context, key string, offsets []int64) (map[int64]int, error) {
	var m map[int64]int
	err := r.do(ctx, func() (e error) {
		m, e = r.c.GetBits(ctx, key, offsets)
		return
	})
	return m, err
}
