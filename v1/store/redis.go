package store

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var compareAndExpireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Redis implements Client using a Redis backend. The conditional operations
// run as server-side Lua so the compare and the mutation are one atomic step.
type Redis struct {
	client *redis.Client
}

// NewRedis returns a new Redis store using the provided client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// SetNX implements Client.SetNX.
func (s *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Get implements Client.Get.
func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Del implements Client.Del.
func (s *Redis) Del(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	return n > 0, err
}

// CompareAndDelete implements Client.CompareAndDelete.
func (s *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Result()
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// CompareAndExpire implements Client.CompareAndExpire.
func (s *Redis) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	res, err := compareAndExpireScript.Run(ctx, s.client, []string{key}, expected, ttl.Milliseconds()).Result()
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// GetBit implements Client.GetBit.
func (s *Redis) GetBit(ctx context.Context, key string, offset int64) (int, error) {
	v, err := s.client.GetBit(ctx, key, offset).Result()
	return int(v), err
}

// SetBit implements Client.SetBit.
func (s *Redis) SetBit(ctx context.Context, key string, offset int64, value int) (int, error) {
	v, err := s.client.SetBit(ctx, key, offset, value).Result()
	return int(v), err
}

// BitCount implements Client.BitCount.
func (s *Redis) BitCount(ctx context.Context, key string) (int64, error) {
	return s.client.BitCount(ctx, key, nil).Result()
}

// GetMulti implements Client.GetMulti using a single MGET.
func (s *Redis) GetMulti(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			out[keys[i]] = str
		}
	}
	return out, nil
}

// GetBits implements Client.GetBits using a pipeline.
func (s *Redis) GetBits(ctx context.Context, key string, offsets []int64) (map[int64]int, error) {
	out := make(map[int64]int, len(offsets))
	if len(offsets) == 0 {
		return out, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(offsets))
	for i, off := range offsets {
		cmds[i] = pipe.GetBit(ctx, key, off)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	for i, cmd := range cmds {
		out[offsets[i]] = int(cmd.Val())
	}
	return out, nil
}
