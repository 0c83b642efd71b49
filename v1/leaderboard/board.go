// Package leaderboard ranks members by a running score. The seat engine
// bumps a flight's score on every reservation, which makes the board a live
// popularity ranking; the gate exposes it for "trending flights" views.
package leaderboard

import (
	"context"
	"errors"
)

// ErrNotRanked is returned by Rank and Score for members that never scored.
var ErrNotRanked = errors.New("perch: member not on the board")

// Entry is one member and its score.
type Entry struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// Board keeps a ranking of members by score.
type Board interface {
	// Bump adds delta to member's score, creating the member at delta if
	// it never scored.
	Bump(ctx context.Context, member string, delta float64) error
	// Top returns the n highest-scored members, best first.
	Top(ctx context.Context, n int64) ([]Entry, error)
	// Rank returns member's zero-based position from the top.
	Rank(ctx context.Context, member string) (int64, error)
	// Score returns member's current score.
	Score(ctx context.Context, member string) (float64, error)
}

// Counter is a monotonically increasing named count, used for cheap totals
// like "reservations served" next to the board's per-member scores.
type Counter interface {
	// Incr adds one and returns the new value.
	Incr(ctx context.Context) (int64, error)
	// Count returns the current value.
	Count(ctx context.Context) (int64, error)
}
