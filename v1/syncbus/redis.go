package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

// syncChannelPrefix namespaces bus traffic on a shared Redis server.
const syncChannelPrefix = "perch:sync:"

type redisSubscription struct {
	pubsub *redis.PubSub
	fanout
}

// RedisBus implements Bus over Redis pub/sub, one channel per topic.
type RedisBus struct {
	client    *redis.Client
	mu        sync.Mutex
	subs      map[string]*redisSubscription
	pending   map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a RedisBus on the provided client. The caller keeps
// ownership of the client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:  client,
		subs:    make(map[string]*redisSubscription),
		pending: make(map[string]struct{}),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	b.mu.Lock()
	if _, ok := b.pending[topic]; ok {
		b.mu.Unlock()
		return nil
	}
	b.pending[topic] = struct{}{}
	b.mu.Unlock()

	err := b.client.Publish(ctx, syncChannelPrefix+topic, "1").Err()
	if err == nil {
		b.published.Add(1)
	}

	b.mu.Lock()
	delete(b.pending, topic)
	b.mu.Unlock()
	return err
}

// Subscribe implements Bus.Subscribe. The first subscriber for a topic opens
// the Redis subscription; later ones share it.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		pubsub := b.client.Subscribe(ctx, syncChannelPrefix+topic)
		// Wait for the server to confirm so a publish issued right after
		// Subscribe returns is not lost.
		if _, err := pubsub.Receive(ctx); err != nil {
			b.mu.Unlock()
			_ = pubsub.Close()
			return nil, err
		}
		sub = &redisSubscription{pubsub: pubsub}
		b.subs[topic] = sub
		go b.dispatch(sub, topic)
	}
	sub.add(ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(sub *redisSubscription, topic string) {
	for range sub.pubsub.Channel() {
		b.mu.Lock()
		var chans []chan struct{}
		if cur := b.subs[topic]; cur == sub {
			chans = sub.snapshot()
		}
		b.mu.Unlock()
		for _, ch := range chans {
			select {
			case ch <- struct{}{}:
				b.delivered.Add(1)
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe. The Redis subscription closes when
// the last local subscriber leaves.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	if sub.remove(ch) {
		delete(b.subs, topic)
		b.mu.Unlock()
		return sub.pubsub.Close()
	}
	b.mu.Unlock()
	return nil
}

// Close tears down every open Redis subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, sub := range b.subs {
		_ = sub.pubsub.Close()
		for _, ch := range sub.chans {
			close(ch)
		}
		delete(b.subs, topic)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
