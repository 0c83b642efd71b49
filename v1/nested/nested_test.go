package nested

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/perchlock/go-perch/v1/syncbus"
)

// recordingInvalidator collects invalidated keys and can be told to fail
// specific ones.
type recordingInvalidator struct {
	mu   sync.Mutex
	keys []string
	fail map[string]error
}

func (r *recordingInvalidator) Invalidate(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[key]; err != nil {
		return err
	}
	r.keys = append(r.keys, key)
	return nil
}

func (r *recordingInvalidator) invalidated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func TestAddDependency(t *testing.T) {
	g := NewGraph(NewMemoryEdges())
	ctx := context.Background()

	if err := g.AddDependency(ctx, "a", "a"); !errors.Is(err, ErrSelfDependency) {
		t.Fatalf("self dependency err = %v, want ErrSelfDependency", err)
	}
	if err := g.AddDependency(ctx, "a", "b"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	// Re-adding an edge changes nothing.
	if err := g.AddDependency(ctx, "a", "b"); err != nil {
		t.Fatalf("AddDependency repeat: %v", err)
	}
	if err := g.AddDependency(ctx, "a", "c"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}

	children, err := g.Children(ctx, "a")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if !reflect.DeepEqual(children, []string{"b", "c"}) {
		t.Fatalf("Children = %v, want [b c]", children)
	}

	if err := g.RemoveDependency(ctx, "a", "b"); err != nil {
		t.Fatalf("RemoveDependency: %v", err)
	}
	children, err = g.Children(ctx, "a")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if !reflect.DeepEqual(children, []string{"c"}) {
		t.Fatalf("Children after remove = %v, want [c]", children)
	}
}

func TestInvalidateCascade(t *testing.T) {
	inv := &recordingInvalidator{}
	g := NewGraph(NewMemoryEdges(), WithInvalidator(inv))
	ctx := context.Background()

	for _, edge := range [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}} {
		if err := g.AddDependency(ctx, edge[0], edge[1]); err != nil {
			t.Fatalf("AddDependency(%v): %v", edge, err)
		}
	}

	visited, err := g.Invalidate(ctx, "a")
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(visited, want) {
		t.Fatalf("visited = %v, want %v", visited, want)
	}
	if got := inv.invalidated(); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalidated = %v, want %v", got, want)
	}
}

func TestInvalidateDiamond(t *testing.T) {
	inv := &recordingInvalidator{}
	g := NewGraph(NewMemoryEdges(), WithInvalidator(inv))
	ctx := context.Background()

	for _, edge := range [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}} {
		if err := g.AddDependency(ctx, edge[0], edge[1]); err != nil {
			t.Fatalf("AddDependency(%v): %v", edge, err)
		}
	}

	visited, err := g.Invalidate(ctx, "a")
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	// d is reachable twice but must be dropped once.
	if !reflect.DeepEqual(visited, []string{"a", "b", "c", "d"}) {
		t.Fatalf("visited = %v", visited)
	}
}

func TestInvalidateCycle(t *testing.T) {
	g := NewGraph(NewMemoryEdges())
	ctx := context.Background()

	if err := g.AddDependency(ctx, "a", "b"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	if err := g.AddDependency(ctx, "b", "a"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}

	done := make(chan struct{})
	var visited []string
	var verr error
	go func() {
		defer close(done)
		visited, verr = g.Invalidate(ctx, "a")
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cyclic invalidate did not terminate")
	}
	if verr != nil {
		t.Fatalf("Invalidate: %v", verr)
	}
	if !reflect.DeepEqual(visited, []string{"a", "b"}) {
		t.Fatalf("visited = %v, want [a b]", visited)
	}
}

func TestInvalidateSurvivesCacheFailure(t *testing.T) {
	inv := &recordingInvalidator{fail: map[string]error{"b": errors.New("boom")}}
	g := NewGraph(NewMemoryEdges(), WithInvalidator(inv))
	ctx := context.Background()

	if err := g.AddDependency(ctx, "a", "b"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	if err := g.AddDependency(ctx, "b", "c"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}

	visited, err := g.Invalidate(ctx, "a")
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	// The walk carries on past the failed hop.
	if !reflect.DeepEqual(visited, []string{"a", "b", "c"}) {
		t.Fatalf("visited = %v, want [a b c]", visited)
	}
	if got := inv.invalidated(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("invalidated = %v, want [a c]", got)
	}
}

func TestInvalidatePublishesToBus(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	g := NewGraph(NewMemoryEdges(), WithBus(bus))
	ctx := context.Background()

	if err := g.AddDependency(ctx, "flight:AA123", "snapshot:AA123"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}

	ch, err := bus.Subscribe(ctx, KeyTopic("snapshot:AA123"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer bus.Unsubscribe(ctx, KeyTopic("snapshot:AA123"), ch)

	if _, err := g.Invalidate(ctx, "flight:AA123"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no bus signal for the derived key")
	}
}
