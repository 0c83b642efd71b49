// Package watchbus streams opaque event payloads to watchers of a key. The
// seat engine publishes flight snapshots through it, and the HTTP handlers
// in this package relay those payloads to browsers over SSE or WebSocket.
package watchbus

import "context"

// WatchBus fans event payloads out from publishers to key watchers.
//
// Delivery is best effort everywhere: a watcher that stops draining its
// channel misses payloads rather than stalling the publisher. Watchers that
// need the current state after a gap re-read it from the engine instead of
// replaying the stream.
type WatchBus interface {
	// Publish hands data to every watcher of key.
	Publish(ctx context.Context, key string, data []byte) error
	// PublishPrefix hands data to watchers of any key starting with
	// prefix, and to prefix subscribers covering it.
	PublishPrefix(ctx context.Context, prefix string, data []byte) error
	// Watch opens a subscription to key. The channel stays open until ctx
	// ends or Unwatch is called, then closes.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// SubscribePrefix opens a subscription covering every key that starts
	// with prefix.
	SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error)
	// Unwatch ends the subscription ch holds on key, which may also be a
	// prefix passed to SubscribePrefix. Unwatching twice is harmless.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}
