// Package cache provides the generic cache abstraction perch persists
// reservation records and flight metadata through. Implementations share one
// small interface: an in-memory cache with LRU eviction and a background
// sweeper, a Redis cache with pluggable codecs, a ristretto adapter for hot
// derived values, and a Fallback wrapper that degrades from the remote cache
// to a local one while the remote misbehaves.
package cache
