package syncbus

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
)

// newKafkaBus connects to the broker named by PERCH_TEST_KAFKA_ADDR, or skips
// the test. Kafka has no embeddable server, so these only run against a real
// broker.
func newKafkaBus(t *testing.T) *KafkaBus {
	t.Helper()
	addr := os.Getenv("PERCH_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("PERCH_TEST_KAFKA_ADDR not set")
	}
	t.Logf("using Kafka broker at %s", addr)

	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	bus, err := NewKafkaBus([]string{addr}, cfg)
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func TestKafkaBusDeliversInvalidation(t *testing.T) {
	bus := newKafkaBus(t)
	ctx := context.Background()
	topic := FlightTopic("AA123-" + uuid.NewString())

	// Two subscribers share one partition consumer.
	ch1, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	ch2, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}
	// Let the consumer reach the head of the fresh topic.
	time.Sleep(2 * time.Second)

	if err := bus.Publish(ctx, topic); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectSignal(t, ch1, 10*time.Second)
	expectSignal(t, ch2, 10*time.Second)
	checkMetrics(t, bus.Metrics(), 1, 2)
}

func TestKafkaBusContextBasedUnsubscribe(t *testing.T) {
	bus := newKafkaBus(t)
	topic := FlightTopic("unsub-" + uuid.NewString())

	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	expectClosed(t, ch, 2*time.Second)
	waitGone(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		_, ok := bus.subs[topic]
		return !ok
	})
}

func TestKafkaBusDeduplicatePendingTopics(t *testing.T) {
	bus := newKafkaBus(t)
	ctx := context.Background()
	topic := FlightTopic("dedup-" + uuid.NewString())

	ch, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(2 * time.Second)

	bus.mu.Lock()
	bus.pending[topic] = struct{}{}
	bus.mu.Unlock()
	if err := bus.Publish(ctx, topic); err != nil {
		t.Fatalf("publish while pending: %v", err)
	}
	expectSilence(t, ch, 500*time.Millisecond)
	checkMetrics(t, bus.Metrics(), 0, 0)

	bus.mu.Lock()
	delete(bus.pending, topic)
	bus.mu.Unlock()
	if err := bus.Publish(ctx, topic); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectSignal(t, ch, 10*time.Second)
}

func TestKafkaTopicMapping(t *testing.T) {
	cases := []struct{ in, want string }{
		{"flight:AA123", "perch.sync.flight.AA123"},
		{"a_b-c.d", "perch.sync.a_b-c.d"},
		{"odd topic!", "perch.sync.odd.topic."},
	}
	for _, c := range cases {
		if got := kafkaTopic(c.in); got != c.want {
			t.Fatalf("kafkaTopic(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
