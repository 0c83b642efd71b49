package seats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/perchlock/go-perch/v1/syncbus"
)

// notify fans a mutation out: an empty invalidation ping on the sync bus,
// and a full JSON snapshot on the watch feed. Feed broadcasts are suppressed
// when the snapshot checksum matches the last one sent for the flight, so
// no-op mutations stay quiet. Both paths are best-effort; seat state is
// already committed by the time notify runs.
func (e *Engine) notify(ctx context.Context, flightID string) {
	if e.bus != nil {
		if err := e.bus.Publish(ctx, syncbus.FlightTopic(flightID)); err != nil {
			slog.Warn("perch: seat change publish failed", "flight", flightID, "err", err)
		}
	}
	if e.feed == nil {
		return
	}

	snap, err := e.Snapshot(ctx, flightID)
	if err != nil {
		slog.Warn("perch: watch snapshot failed", "flight", flightID, "err", err)
		return
	}

	e.mu.Lock()
	last, seen := e.lastSent[flightID]
	if seen && last == snap.Checksum {
		e.mu.Unlock()
		return
	}
	e.lastSent[flightID] = snap.Checksum
	e.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		slog.Warn("perch: watch encode failed", "flight", flightID, "err", err)
		return
	}
	if err := e.feed.Publish(ctx, e.WatchKey(flightID), data); err != nil {
		slog.Warn("perch: watch publish failed", "flight", flightID, "err", err)
	}
}

// Watch streams snapshots of a flight as its seat map changes. The stream
// ends when ctx is canceled. It requires a feed attached via WithFeed;
// without one it returns ErrNoFeed.
func (e *Engine) Watch(ctx context.Context, flightID string) (<-chan Snapshot, error) {
	if e.feed == nil {
		return nil, ErrNoFeed
	}
	if _, err := e.flightMeta(ctx, flightID); err != nil {
		return nil, err
	}
	raw, err := e.feed.Watch(ctx, e.WatchKey(flightID))
	if err != nil {
		return nil, err
	}

	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		for data := range raw {
			var snap Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				slog.Warn("perch: bad watch payload", "flight", flightID, "err", err)
				continue
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
