package leaderboard

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryBoard is an in-process Board for single-node setups and tests.
type MemoryBoard struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewMemoryBoard returns an empty MemoryBoard.
func NewMemoryBoard() *MemoryBoard {
	return &MemoryBoard{scores: make(map[string]float64)}
}

// Bump implements Board.Bump.
func (b *MemoryBoard) Bump(ctx context.Context, member string, delta float64) error {
	b.mu.Lock()
	b.scores[member] += delta
	b.mu.Unlock()
	return nil
}

// ranking returns all entries best-first, ties broken by member name so the
// order is stable like Redis' lexicographic tie-break.
func (b *MemoryBoard) ranking() []Entry {
	b.mu.RLock()
	entries := make([]Entry, 0, len(b.scores))
	for m, s := range b.scores {
		entries = append(entries, Entry{Member: m, Score: s})
	}
	b.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Member > entries[j].Member
	})
	return entries
}

// Top implements Board.Top.
func (b *MemoryBoard) Top(ctx context.Context, n int64) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	entries := b.ranking()
	if int64(len(entries)) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// Rank implements Board.Rank.
func (b *MemoryBoard) Rank(ctx context.Context, member string) (int64, error) {
	for i, e := range b.ranking() {
		if e.Member == member {
			return int64(i), nil
		}
	}
	return 0, ErrNotRanked
}

// Score implements Board.Score.
func (b *MemoryBoard) Score(ctx context.Context, member string) (float64, error) {
	b.mu.RLock()
	score, ok := b.scores[member]
	b.mu.RUnlock()
	if !ok {
		return 0, ErrNotRanked
	}
	return score, nil
}

// MemoryCounter is an in-process Counter.
type MemoryCounter struct {
	n atomic.Int64
}

// NewMemoryCounter returns a Counter starting at zero.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

// Incr implements Counter.Incr.
func (c *MemoryCounter) Incr(ctx context.Context) (int64, error) {
	return c.n.Add(1), nil
}

// Count implements Counter.Count.
func (c *MemoryCounter) Count(ctx context.Context) (int64, error) {
	return c.n.Load(), nil
}
