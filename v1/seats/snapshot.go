package seats

import (
	"context"

	"github.com/zeebo/xxh3"

	"github.com/perchlock/go-perch/v1/cache"
)

// Status codes hashed into the snapshot checksum, one byte per seat. The
// checksum only changes when some seat changes state, which is what watch
// broadcast suppression keys on.
var statusCode = map[SeatStatus]byte{
	StatusAvailable: 'A',
	StatusReserved:  'R',
	StatusBooked:    'B',
	StatusBlocked:   'X',
}

// Snapshot builds a point-in-time view of the flight: per-seat status,
// aggregate counts and a checksum over the status vector. When a snapshot
// cache is attached, hot flights are served from it for a couple of seconds
// instead of recounting the bitmap.
func (e *Engine) Snapshot(ctx context.Context, flightID string) (*Snapshot, error) {
	ctx, span := e.span(ctx, "Snapshot", flightID)
	defer span.End()

	if e.snapshots != nil {
		if snap, ok, err := e.snapshots.Get(ctx, flightID); err == nil && ok {
			return &snap, nil
		}
	}

	m, err := e.flightMeta(ctx, flightID)
	if err != nil {
		return nil, err
	}
	n := m.Layout.SeatCount
	offsets := make([]int64, n)
	for i := range offsets {
		offsets[i] = int64(i)
	}
	bits, err := e.store.GetBits(ctx, e.bitmapKey(flightID), offsets)
	if err != nil {
		return nil, err
	}

	// Records are only needed for occupied, non-blocked seats, to tell
	// holds from bookings.
	var keys []string
	for seat := 1; seat <= n; seat++ {
		if bits[int64(seat-1)] == 1 && !m.isBlocked(seat) {
			keys = append(keys, e.resKey(flightID, seat))
		}
	}
	var records map[string]Reservation
	if len(keys) > 0 {
		records, err = cache.GetMulti(ctx, e.reservations, keys)
		if err != nil {
			return nil, err
		}
	}

	snap := &Snapshot{
		FlightID: flightID,
		Total:    n,
		Seats:    make([]SeatInfo, 0, n),
		TakenAt:  e.clock().UTC(),
	}
	codes := make([]byte, 0, n)
	for seat := 1; seat <= n; seat++ {
		status := StatusAvailable
		switch {
		case m.isBlocked(seat):
			status = StatusBlocked
		case bits[int64(seat-1)] == 1:
			// A hold whose record vanished still counts as reserved
			// until a reclaim pass frees it.
			status = StatusReserved
			if res, ok := records[e.resKey(flightID, seat)]; ok && res.Confirmed {
				status = StatusBooked
			}
		}
		switch status {
		case StatusAvailable:
			snap.Available++
		case StatusReserved:
			snap.Reserved++
		case StatusBooked:
			snap.Booked++
		case StatusBlocked:
			snap.Blocked++
		}
		snap.Seats = append(snap.Seats, SeatInfo{
			Seat:   seat,
			Class:  m.Layout.ClassFor(seat),
			Status: status,
		})
		codes = append(codes, statusCode[status])
	}
	snap.Checksum = xxh3.Hash(codes)

	if e.snapshots != nil {
		_ = e.snapshots.Set(ctx, flightID, *snap, cache.Jitter(e.snapshotTTL, 0.2))
	}
	return snap, nil
}
