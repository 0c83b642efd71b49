package leaderboard

import (
	"context"
	"strconv"

	redis "github.com/redis/go-redis/v9"
)

// RedisBoard implements Board on a Redis sorted set, so every node sees the
// same ranking.
type RedisBoard struct {
	client *redis.Client
	key    string
}

// NewRedisBoard returns a Board stored under key; an empty key uses
// "perch:board:flights".
func NewRedisBoard(client *redis.Client, key string) *RedisBoard {
	if key == "" {
		key = "perch:board:flights"
	}
	return &RedisBoard{client: client, key: key}
}

// Bump implements Board.Bump via ZINCRBY.
func (b *RedisBoard) Bump(ctx context.Context, member string, delta float64) error {
	return b.client.ZIncrBy(ctx, b.key, delta, member).Err()
}

// Top implements Board.Top.
func (b *RedisBoard) Top(ctx context.Context, n int64) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	zs, err := b.client.ZRevRangeWithScores(ctx, b.key, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		entries = append(entries, Entry{Member: member, Score: z.Score})
	}
	return entries, nil
}

// Rank implements Board.Rank.
func (b *RedisBoard) Rank(ctx context.Context, member string) (int64, error) {
	rank, err := b.client.ZRevRank(ctx, b.key, member).Result()
	if err == redis.Nil {
		return 0, ErrNotRanked
	}
	if err != nil {
		return 0, err
	}
	return rank, nil
}

// Score implements Board.Score.
func (b *RedisBoard) Score(ctx context.Context, member string) (float64, error) {
	score, err := b.client.ZScore(ctx, b.key, member).Result()
	if err == redis.Nil {
		return 0, ErrNotRanked
	}
	if err != nil {
		return 0, err
	}
	return score, nil
}

// RedisCounter implements Counter on a single Redis key.
type RedisCounter struct {
	client *redis.Client
	key    string
}

// NewRedisCounter returns a Counter stored under key.
func NewRedisCounter(client *redis.Client, key string) *RedisCounter {
	return &RedisCounter{client: client, key: key}
}

// Incr implements Counter.Incr.
func (c *RedisCounter) Incr(ctx context.Context) (int64, error) {
	return c.client.Incr(ctx, c.key).Result()
}

// Count implements Counter.Count. A missing key counts as zero.
func (c *RedisCounter) Count(ctx context.Context) (int64, error) {
	val, err := c.client.Get(ctx, c.key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}
