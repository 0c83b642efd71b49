package seats

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const defaultSweepInterval = 30 * time.Second

// Sweeper periodically reclaims expired holds across every flight registered
// with its engine. Until a sweep (or an explicit ReclaimExpired call)
// collects them, expired holds still count as reserved; the sweep interval
// bounds that staleness.
type Sweeper struct {
	engine    *Engine
	interval  time.Duration
	reclaimed atomic.Uint64
}

// Sweeper builds a sweeper over this engine. interval <= 0 uses the default
// of 30 seconds.
func (e *Engine) Sweeper(interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{engine: e, interval: interval}
}

// Run sweeps on every tick until ctx is canceled. It blocks, so callers
// start it on its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	for _, flight := range s.engine.Flights() {
		reclaimed, err := s.engine.ReclaimExpired(ctx, flight)
		if err != nil {
			slog.Warn("perch: sweep failed", "flight", flight, "err", err)
			continue
		}
		s.reclaimed.Add(uint64(len(reclaimed)))
	}
}

// Metrics returns the total number of seats this sweeper has reclaimed.
func (s *Sweeper) Metrics() uint64 {
	return s.reclaimed.Load()
}
