package watchbus

import (
	"context"
	"strings"
	"sync"
)

// InMemoryWatchBus is an in-memory implementation of WatchBus. Delivery is
// best-effort: watchers that are not draining their channel miss messages
// rather than block the publisher.
type InMemoryWatchBus struct {
	mu         sync.Mutex
	subs       map[string][]chan []byte
	prefixSubs map[string][]chan []byte
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{
		subs:       make(map[string][]chan []byte),
		prefixSubs: make(map[string][]chan []byte),
	}
}

// targets collects the channels interested in key: exact watchers of key plus
// prefix watchers whose prefix matches. Callers must not hold b.mu.
func (b *InMemoryWatchBus) targets(key string) []chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := append([]chan []byte(nil), b.subs[key]...)
	for prefix, subs := range b.prefixSubs {
		if strings.HasPrefix(key, prefix) {
			chans = append(chans, subs...)
		}
	}
	return chans
}

func deliver(ctx context.Context, chans []chan []byte, data []byte) error {
	for _, ch := range chans {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Publish sends data to all watchers of key.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return deliver(ctx, b.targets(key), data)
}

// PublishPrefix sends data to every watcher of a key starting with prefix,
// and to prefix subscribers covering it.
func (b *InMemoryWatchBus) PublishPrefix(ctx context.Context, prefix string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	var chans []chan []byte
	seen := make(map[chan []byte]struct{})
	add := func(subs []chan []byte) {
		for _, ch := range subs {
			if _, dup := seen[ch]; dup {
				continue
			}
			seen[ch] = struct{}{}
			chans = append(chans, ch)
		}
	}
	for key, subs := range b.subs {
		if strings.HasPrefix(key, prefix) {
			add(subs)
		}
	}
	for p, subs := range b.prefixSubs {
		if strings.HasPrefix(prefix, p) {
			add(subs)
		}
	}
	b.mu.Unlock()

	return deliver(ctx, chans, data)
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan []byte, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// SubscribePrefix subscribes to all keys starting with prefix.
func (b *InMemoryWatchBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan []byte, 1)
	b.mu.Lock()
	b.prefixSubs[prefix] = append(b.prefixSubs[prefix], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), prefix, ch)
	}()
	return ch, nil
}

// Unwatch removes the channel from the watchers of key; key may also name a
// prefix previously passed to SubscribePrefix.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if removeSub(b.subs, key, ch) {
		return nil
	}
	removeSub(b.prefixSubs, key, ch)
	return nil
}

func removeSub(m map[string][]chan []byte, key string, ch chan []byte) bool {
	subs, ok := m[key]
	if !ok {
		return false
	}
	for i, c := range subs {
		if c != ch {
			continue
		}
		subs[i] = subs[len(subs)-1]
		subs = subs[:len(subs)-1]
		if len(subs) == 0 {
			delete(m, key)
		} else {
			m[key] = subs
		}
		close(c)
		return true
	}
	return false
}
