package syncbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// kafkaTopic maps a bus topic to a legal Kafka topic name. Kafka only
// accepts [a-zA-Z0-9._-], so the ':' namespace separator is rewritten.
func kafkaTopic(topic string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '.'
		}
	}, topic)
	return "perch.sync." + mapped
}

type kafkaSubscription struct {
	pc sarama.PartitionConsumer
	fanout
}

// KafkaBus implements Bus over Kafka, one topic per bus topic.
type KafkaBus struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	pending   map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaBus connects to the given brokers. The bus owns the resulting
// producer and consumer; call Close when done.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	// The sync producer refuses to start without success reports.
	cfg.Producer.Return.Successes = true

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("syncbus: kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("syncbus: kafka producer: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("syncbus: kafka consumer: %w", err)
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
		pending:  make(map[string]struct{}),
	}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	b.mu.Lock()
	if _, ok := b.pending[topic]; ok {
		b.mu.Unlock()
		return nil
	}
	b.pending[topic] = struct{}{}
	b.mu.Unlock()

	msg := &sarama.ProducerMessage{Topic: kafkaTopic(topic), Value: sarama.StringEncoder("1")}
	_, _, err := b.producer.SendMessage(msg)
	if err == nil {
		b.published.Add(1)
	}

	b.mu.Lock()
	delete(b.pending, topic)
	b.mu.Unlock()
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(kafkaTopic(topic), 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
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

func (b *KafkaBus) dispatch(sub *kafkaSubscription, topic string) {
	for range sub.pc.Messages() {
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

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	if sub.remove(ch) {
		delete(b.subs, topic)
		b.mu.Unlock()
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close releases the producer and consumer.
func (b *KafkaBus) Close() {
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
