package watchbus

import (
	"context"
	"testing"
	"time"
)

func recvTimeout(t *testing.T, ch chan []byte, want string) {
	t.Helper()
	select {
	case msg := <-ch:
		if string(msg) != want {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func TestInMemoryWatchBus(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "flight:AA123")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "flight:AA123", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	recvTimeout(t, ch, "hello")
	if err := bus.Unwatch(ctx, "flight:AA123", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after Unwatch")
	}
}

func TestInMemoryWatchBusPrefix(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	chKey, err := bus.Watch(ctx, "flight:AA123")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	chPrefix, err := bus.SubscribePrefix(ctx, "flight:")
	if err != nil {
		t.Fatalf("sub prefix: %v", err)
	}

	if err := bus.Publish(ctx, "flight:AA123", []byte("a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	recvTimeout(t, chKey, "a")
	recvTimeout(t, chPrefix, "a")

	if err := bus.PublishPrefix(ctx, "flight:", []byte("b")); err != nil {
		t.Fatalf("publish prefix: %v", err)
	}
	recvTimeout(t, chKey, "b")
	recvTimeout(t, chPrefix, "b")

	_ = bus.Unwatch(ctx, "flight:AA123", chKey)
	_ = bus.Unwatch(ctx, "flight:", chPrefix)
}

func TestInMemoryWatchBusUnrelatedKey(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "flight:AA123")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "flight:BB900", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		t.Fatalf("unexpected delivery: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryWatchBusContextCancelUnwatches(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := bus.Watch(ctx, "flight:AA123"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		bus.mu.Lock()
		n := len(bus.subs["flight:AA123"])
		bus.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher not removed after context cancel")
}
