// Package adapter provides durable key-value stores behind a small generic
// interface. The seat engine archives confirmed bookings through it, and the
// loader replays archives to seed demo data; anything that must outlive the
// coordination store's TTLs belongs here.
package adapter

import (
	"context"
	"sort"
	"sync"
)

// Store is a durable key-value archive. Implementations must be safe for
// concurrent use.
//
// T is the stored record type, typically a booking.
type Store[T any] interface {
	// Get returns the record stored under key. The boolean reports whether
	// the key exists; a missing key is not an error.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores value under key, replacing any previous record.
	Set(ctx context.Context, key string, value T) error
	// Keys lists every key in the archive.
	Keys(ctx context.Context) ([]string, error)
}

// Batch stages writes and deletes so they hit the backend together.
// Staged operations are not visible until Commit. A batch is single-use:
// Commit drains the staged operations whether or not it succeeds.
type Batch[T any] interface {
	Set(ctx context.Context, key string, value T) error
	Delete(ctx context.Context, key string) error
	Commit(ctx context.Context) error
}

// Batcher is implemented by stores that can group operations.
type Batcher[T any] interface {
	Batch(ctx context.Context) (Batch[T], error)
}

// InMemoryStore keeps records in a map. It backs the standalone preset and
// most tests.
type InMemoryStore[T any] struct {
	mu      sync.RWMutex
	records map[string]T
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore[T any]() *InMemoryStore[T] {
	return &InMemoryStore[T]{records: make(map[string]T)}
}

// Get implements Store.
func (s *InMemoryStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.records[key]
	return v, ok, nil
}

// Set implements Store.
func (s *InMemoryStore[T]) Set(ctx context.Context, key string, value T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = value
	return nil
}

// Keys implements Store. Keys come back sorted so replay jobs see a stable
// order.
func (s *InMemoryStore[T]) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Batch implements Batcher.
func (s *InMemoryStore[T]) Batch(ctx context.Context) (Batch[T], error) {
	return &memoryBatch[T]{store: s}, nil
}

// memoryBatch stages operations as an ordered log, so a delete staged after a
// set of the same key wins at commit time, and vice versa.
type memoryBatch[T any] struct {
	store *InMemoryStore[T]
	ops   []memoryOp[T]
}

type memoryOp[T any] struct {
	key   string
	value T
	del   bool
}

func (b *memoryBatch[T]) Set(ctx context.Context, key string, value T) error {
	b.ops = append(b.ops, memoryOp[T]{key: key, value: value})
	return nil
}

func (b *memoryBatch[T]) Delete(ctx context.Context, key string) error {
	b.ops = append(b.ops, memoryOp[T]{key: key, del: true})
	return nil
}

func (b *memoryBatch[T]) Commit(ctx context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, op := range b.ops {
		if op.del {
			delete(b.store.records, op.key)
			continue
		}
		b.store.records[op.key] = op.value
	}
	b.ops = nil
	return nil
}
