package store

import (
	"context"
	"errors"
	"testing"
	"time"

	perrors "github.com/perchlock/go-perch/v1/errors"
)

// flaky fails the first n calls to Get, then behaves like the wrapped Memory.
type flaky struct {
	*Memory
	failures int
	calls    int
}

func (f *flaky) Get(ctx context.Context, key string) (string, bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", false, errors.New("connection refused")
	}
	return f.Memory.Get(ctx, key)
}

func TestWithRetriesRecovers(t *testing.T) {
	inner := &flaky{Memory: NewMemory(), failures: 2}
	_, _ = inner.SetNX(context.Background(), "k", "v", 0)

	c := WithRetries(inner, 3, time.Millisecond)
	v, ok, err := c.Get(context.Background(), "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("get: v=%q ok=%v err=%v", v, ok, err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestWithRetriesExhausted(t *testing.T) {
	inner := &flaky{Memory: NewMemory(), failures: 10}
	c := WithRetries(inner, 3, time.Millisecond)

	_, _, err := c.Get(context.Background(), "k")
	if !errors.Is(err, perrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestWithRetriesHonorsContext(t *testing.T) {
	inner := &flaky{Memory: NewMemory(), failures: 10}
	c := WithRetries(inner, 100, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, _, err := c.Get(ctx, "k")
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("retry loop ignored context deadline")
	}
}
