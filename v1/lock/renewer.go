package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Renewer keeps a lock alive by extending it at half-TTL intervals. It stops
// on its own when an extension reports the lock gone; Lost is closed so the
// holder can abandon the protected work.
type Renewer struct {
	m *Manager
	h *Handle

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	lost     chan struct{}
}

// KeepAlive starts renewing h until Stop is called, ctx is cancelled, or
// the lock is lost.
func (m *Manager) KeepAlive(ctx context.Context, h *Handle) *Renewer {
	r := &Renewer{
		m:    m,
		h:    h,
		stop: make(chan struct{}),
		done: make(chan struct{}),
		lost: make(chan struct{}),
	}
	go r.run(ctx)
	return r
}

func (r *Renewer) run(ctx context.Context) {
	defer close(r.done)
	interval := r.h.TTL() / 2
	if interval <= 0 {
		interval = r.h.TTL()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.m.Extend(ctx, r.h, r.h.TTL()); err != nil {
				// A transient store error is retried on the next tick; the
				// lock is only declared lost when the token mismatches or
				// the deadline has already passed.
				if errors.Is(err, ErrNotHeld) || time.Now().After(r.h.Deadline()) {
					slog.Warn("perch: lock lost during renewal", "key", r.h.Key, "error", err)
					close(r.lost)
					return
				}
				slog.Warn("perch: lock renewal failed, will retry", "key", r.h.Key, "error", err)
			}
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		}
	}
}

// Lost is closed when a renewal found the lock expired or taken over.
func (r *Renewer) Lost() <-chan struct{} {
	return r.lost
}

// Stop ends renewal and waits for the background goroutine to exit. It does
// not release the lock.
func (r *Renewer) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}
