package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

// natsSubject maps a bus topic to a NATS subject. Topics use ':' as a
// namespace separator, which NATS subjects reject.
func natsSubject(topic string) string {
	out := []byte("perch.sync.")
	for i := 0; i < len(topic); i++ {
		c := topic[i]
		switch c {
		case ':', ' ', '.', '*', '>':
			out = append(out, '_')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

type natsSubscription struct {
	sub *nats.Subscription
	fanout
}

// NATSBus implements Bus over NATS core pub/sub.
type NATSBus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string]*natsSubscription
	pending   map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a NATSBus using the provided connection. The caller
// keeps ownership of the connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:    conn,
		subs:    make(map[string]*natsSubscription),
		pending: make(map[string]struct{}),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	b.mu.Lock()
	if _, ok := b.pending[topic]; ok {
		b.mu.Unlock()
		return nil
	}
	b.pending[topic] = struct{}{}
	b.mu.Unlock()

	err := b.conn.Publish(natsSubject(topic), []byte("1"))
	if err == nil {
		b.published.Add(1)
	}

	b.mu.Lock()
	delete(b.pending, topic)
	b.mu.Unlock()
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		ns, err := b.conn.Subscribe(natsSubject(topic), func(_ *nats.Msg) {
			b.mu.Lock()
			var chans []chan struct{}
			if cur := b.subs[topic]; cur != nil {
				chans = cur.snapshot()
			}
			b.mu.Unlock()
			for _, c := range chans {
				select {
				case c <- struct{}{}:
					b.delivered.Add(1)
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[topic] = sub
	}
	sub.add(ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	if sub.remove(ch) {
		delete(b.subs, topic)
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
