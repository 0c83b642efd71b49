package leaderboard

import (
	"context"
	"errors"
	"testing"
)

func fillBoard(t *testing.T, b Board) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := b.Bump(ctx, "AA123", 1); err != nil {
			t.Fatalf("bump: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := b.Bump(ctx, "BB900", 1); err != nil {
			t.Fatalf("bump: %v", err)
		}
	}
	if err := b.Bump(ctx, "CC777", 1); err != nil {
		t.Fatalf("bump: %v", err)
	}
}

func checkBoard(t *testing.T, b Board) {
	t.Helper()
	ctx := context.Background()

	top, err := b.Top(ctx, 2)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 2 || top[0].Member != "AA123" || top[1].Member != "BB900" {
		t.Fatalf("unexpected top: %+v", top)
	}
	if top[0].Score != 5 {
		t.Fatalf("expected score 5, got %v", top[0].Score)
	}

	rank, err := b.Rank(ctx, "BB900")
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if rank != 1 {
		t.Fatalf("expected rank 1, got %d", rank)
	}

	score, err := b.Score(ctx, "CC777")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 1 {
		t.Fatalf("expected score 1, got %v", score)
	}

	if _, err := b.Rank(ctx, "ZZ000"); !errors.Is(err, ErrNotRanked) {
		t.Fatalf("expected ErrNotRanked, got %v", err)
	}
	if _, err := b.Score(ctx, "ZZ000"); !errors.Is(err, ErrNotRanked) {
		t.Fatalf("expected ErrNotRanked, got %v", err)
	}
}

func TestMemoryBoard(t *testing.T) {
	b := NewMemoryBoard()
	fillBoard(t, b)
	checkBoard(t, b)
}

func TestMemoryBoardTopBounds(t *testing.T) {
	b := NewMemoryBoard()
	ctx := context.Background()

	if top, err := b.Top(ctx, 0); err != nil || top != nil {
		t.Fatalf("Top(0): %v %v", top, err)
	}
	_ = b.Bump(ctx, "AA123", 2)
	top, err := b.Top(ctx, 10)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(top))
	}
}

func TestMemoryCounter(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	if n, err := c.Count(ctx); err != nil || n != 0 {
		t.Fatalf("Count: %d %v", n, err)
	}
	if n, err := c.Incr(ctx); err != nil || n != 1 {
		t.Fatalf("Incr: %d %v", n, err)
	}
	if n, err := c.Incr(ctx); err != nil || n != 2 {
		t.Fatalf("Incr: %d %v", n, err)
	}
	if n, err := c.Count(ctx); err != nil || n != 2 {
		t.Fatalf("Count: %d %v", n, err)
	}
}
