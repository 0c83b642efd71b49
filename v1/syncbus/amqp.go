package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// syncExchange is the direct exchange bus topics are routed through.
const syncExchange = "perch.sync"

type amqpSubscription struct {
	queue string
	fanout
}

// AMQPBus implements Bus over RabbitMQ. Each topic is a routing key on a
// shared direct exchange; each subscribed topic gets a server-named,
// auto-deleted queue bound to that key.
type AMQPBus struct {
	pubCh     *amqp.Channel
	subCh     *amqp.Channel
	mu        sync.Mutex
	subs      map[string]*amqpSubscription
	pending   map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewAMQPBus opens two channels on conn, one for publishing and one for
// consuming, and declares the sync exchange. The caller keeps ownership of
// the connection; call Close to release the channels.
func NewAMQPBus(conn *amqp.Connection) (*AMQPBus, error) {
	pubCh, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	subCh, err := conn.Channel()
	if err != nil {
		_ = pubCh.Close()
		return nil, err
	}
	if err := pubCh.ExchangeDeclare(
		syncExchange, // name
		"direct",     // kind
		false,        // durable
		true,         // autoDelete
		false,        // internal
		false,        // noWait
		nil,          // args
	); err != nil {
		_ = pubCh.Close()
		_ = subCh.Close()
		return nil, err
	}
	return &AMQPBus{
		pubCh:   pubCh,
		subCh:   subCh,
		subs:    make(map[string]*amqpSubscription),
		pending: make(map[string]struct{}),
	}, nil
}

// Publish implements Bus.Publish.
func (b *AMQPBus) Publish(ctx context.Context, topic string) error {
	b.mu.Lock()
	if _, ok := b.pending[topic]; ok {
		b.mu.Unlock()
		return nil
	}
	b.pending[topic] = struct{}{}
	b.mu.Unlock()

	err := b.pubCh.PublishWithContext(ctx,
		syncExchange, // exchange
		topic,        // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType: "text/plain",
			Timestamp:   time.Now().UTC(),
			Body:        []byte("1"),
		})
	if err == nil {
		b.published.Add(1)
	}

	b.mu.Lock()
	delete(b.pending, topic)
	b.mu.Unlock()
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *AMQPBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		q, err := b.subCh.QueueDeclare(
			"",    // server-named
			false, // durable
			true,  // autoDelete
			true,  // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if err := b.subCh.QueueBind(q.Name, topic, syncExchange, false, nil); err != nil {
			b.mu.Unlock()
			return nil, err
		}
		deliveries, err := b.subCh.Consume(
			q.Name, // queue
			q.Name, // consumer tag
			true,   // autoAck
			true,   // exclusive
			false,  // noLocal
			false,  // noWait
			nil,    // args
		)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &amqpSubscription{queue: q.Name}
		b.subs[topic] = sub
		go b.dispatch(sub, topic, deliveries)
	}
	sub.add(ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *AMQPBus) dispatch(sub *amqpSubscription, topic string, deliveries <-chan amqp.Delivery) {
	for range deliveries {
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

// Unsubscribe implements Bus.Unsubscribe. Cancelling the consumer lets the
// auto-deleted queue fall away on the broker.
func (b *AMQPBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	if sub.remove(ch) {
		delete(b.subs, topic)
		b.mu.Unlock()
		return b.subCh.Cancel(sub.queue, false)
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *AMQPBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close releases both channels. The underlying connection stays open.
func (b *AMQPBus) Close() error {
	perr := b.pubCh.Close()
	serr := b.subCh.Close()
	if perr != nil {
		return perr
	}
	return serr
}
