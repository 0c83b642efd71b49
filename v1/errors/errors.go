// Package errors holds sentinel errors shared across perch packages.
// Only infrastructure failures live here; logical outcomes (lock contention,
// seat taken, not owner) are defined next to the APIs that return them.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrConnectionClosed = errors.New("connection closed")
)
