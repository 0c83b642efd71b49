package nested

import (
	"context"
	"sort"
	"sync"
)

// MemoryEdges keeps dependency edges in process memory.
type MemoryEdges struct {
	mu    sync.RWMutex
	edges map[string]map[string]struct{}
}

// NewMemoryEdges returns an empty edge store.
func NewMemoryEdges() *MemoryEdges {
	return &MemoryEdges{edges: make(map[string]map[string]struct{})}
}

// AddEdge implements EdgeStore.AddEdge.
func (m *MemoryEdges) AddEdge(ctx context.Context, parent, child string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.edges[parent]
	if !ok {
		set = make(map[string]struct{})
		m.edges[parent] = set
	}
	set[child] = struct{}{}
	return nil
}

// RemoveEdge implements EdgeStore.RemoveEdge.
func (m *MemoryEdges) RemoveEdge(ctx context.Context, parent, child string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.edges[parent]; ok {
		delete(set, child)
		if len(set) == 0 {
			delete(m.edges, parent)
		}
	}
	return nil
}

// Children implements EdgeStore.Children.
func (m *MemoryEdges) Children(ctx context.Context, parent string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.edges[parent]
	if len(set) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}
