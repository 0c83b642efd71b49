// Package store defines the narrow set of atomic primitives perch needs from
// a shared key-value store, together with a Redis implementation and an
// in-memory fake. Locking correctness depends only on these primitives being
// individually atomic; everything above (lock manager, seat engine) is
// store-agnostic.
package store

import (
	"context"
	"time"
)

// Client exposes the atomic operations the coordination layer is built on.
//
// Every method maps to a single indivisible operation on the backing store.
// CompareAndDelete and CompareAndExpire are the ownership checks: they only
// act when the stored value still equals the expected token, so a caller can
// never delete or extend a key that expired and was re-acquired by someone
// else.
type Client interface {
	// SetNX stores value under key with the given TTL only if the key is
	// absent. It returns true when the value was written.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get retrieves the value for key. The boolean return reports whether
	// the key exists; a missing key is not an error.
	Get(ctx context.Context, key string) (string, bool, error)
	// Del removes key and reports whether anything was deleted.
	Del(ctx context.Context, key string) (bool, error)
	// CompareAndDelete deletes key only if its value equals expected, as one
	// atomic step. It returns true when the key was deleted.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// CompareAndExpire resets the TTL of key only if its value equals
	// expected, as one atomic step. It returns true when the TTL was reset.
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
	// GetBit reads the bit at offset of the bitmap stored under key.
	// Absent keys read as all zeroes.
	GetBit(ctx context.Context, key string, offset int64) (int, error)
	// SetBit writes the bit at offset of the bitmap stored under key and
	// returns the previous bit value.
	SetBit(ctx context.Context, key string, offset int64, value int) (int, error)
	// BitCount returns the number of set bits in the bitmap stored under key.
	BitCount(ctx context.Context, key string) (int64, error)
	// GetMulti fetches several keys in one round trip. Missing keys are
	// simply absent from the result map.
	GetMulti(ctx context.Context, keys []string) (map[string]string, error)
	// GetBits reads several bits of one bitmap in one round trip.
	GetBits(ctx context.Context, key string, offsets []int64) (map[int64]int, error)
}
