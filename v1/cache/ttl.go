package cache

import (
	"math/rand"
	"time"
)

// Jitter perturbs ttl by up to fraction of its length. Spreading expiries
// keeps a batch of entries written together from all lapsing in the same
// instant and stampeding the rebuild path.
func Jitter(ttl time.Duration, fraction float64) time.Duration {
	if ttl <= 0 || fraction <= 0 {
		return ttl
	}
	if fraction > 1 {
		fraction = 1
	}
	spread := float64(ttl) * fraction
	delta := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(ttl) + delta)
}

// TTLPolicy produces jittered TTLs around a base duration.
type TTLPolicy struct {
	Base     time.Duration
	Fraction float64
}

// Next returns the TTL to use for the next write.
func (p TTLPolicy) Next() time.Duration {
	return Jitter(p.Base, p.Fraction)
}
