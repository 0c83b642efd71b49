// Package syncbus carries invalidation pings between perch nodes. When one
// node mutates a flight's seating, every other node must drop its locally
// cached snapshot and metadata for that flight; the bus delivers those
// nudges as empty signals keyed by topic. Payload-bearing seat events
// travel over watchbus instead.
//
// Backends: in-process (testing and single-node), Redis pub/sub, NATS,
// Kafka, and AMQP. All of them deduplicate concurrent publishes of the
// same topic and drop signals for slow subscribers rather than blocking.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is the pub/sub surface the seat engine publishes invalidations on.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// FlightTopic names the invalidation topic for one flight.
func FlightTopic(flightID string) string {
	return "flight:" + flightID
}

// fanout is the per-topic subscriber set shared by every backend. Callers
// guard it with their own mutex.
type fanout struct {
	chans []chan struct{}
}

func (f *fanout) add(ch chan struct{}) {
	f.chans = append(f.chans, ch)
}

// remove drops and closes ch, reporting whether the set is now empty.
func (f *fanout) remove(ch chan struct{}) bool {
	for i, c := range f.chans {
		if c == ch {
			f.chans[i] = f.chans[len(f.chans)-1]
			f.chans = f.chans[:len(f.chans)-1]
			close(c)
			break
		}
	}
	return len(f.chans) == 0
}

// snapshot copies the subscriber list so delivery happens outside the lock.
func (f *fanout) snapshot() []chan struct{} {
	return append([]chan struct{}(nil), f.chans...)
}

// Metrics reports how many signals a bus has published and delivered.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a process-local Bus for tests and single-node deployments.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string]*fanout
	pending   map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns an empty InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs:    make(map[string]*fanout),
		pending: make(map[string]struct{}),
	}
}

// Publish implements Bus.Publish. Concurrent publishes of the same topic
// collapse into one signal.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	b.mu.Lock()
	if _, ok := b.pending[topic]; ok {
		b.mu.Unlock()
		return nil
	}
	b.pending[topic] = struct{}{}
	var chans []chan struct{}
	if f := b.subs[topic]; f != nil {
		chans = f.snapshot()
	}
	b.mu.Unlock()

	b.published.Add(1)
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			b.delivered.Add(1)
		default:
		}
	}

	b.mu.Lock()
	delete(b.pending, topic)
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is
// cancelled; the returned channel is closed at that point.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	f := b.subs[topic]
	if f == nil {
		f = &fanout{}
		b.subs[topic] = f
	}
	f.add(ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	if f := b.subs[topic]; f != nil && f.remove(ch) {
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
