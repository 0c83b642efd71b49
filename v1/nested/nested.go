// Package nested cascades cache invalidations along parent-to-child key
// dependencies. An edge parent-to-child means child's cached value derives
// from parent's; Invalidate walks the edges breadth-first, drops every
// reachable key from the bound cache and pings the sync bus so peer nodes
// drop their copies too.
//
// Edges live in an EdgeStore: in process memory for single-node setups, in
// Redis sets when several nodes must share the graph.
package nested

import (
	"context"
	"errors"
	"log/slog"

	"github.com/perchlock/go-perch/v1/syncbus"
)

// ErrSelfDependency is returned by AddDependency when parent and child are
// the same key.
var ErrSelfDependency = errors.New("perch: key cannot depend on itself")

// KeyTopic names the sync bus topic carrying invalidations of one key.
func KeyTopic(key string) string {
	return "invalidate:" + key
}

// EdgeStore persists dependency edges.
type EdgeStore interface {
	// AddEdge records parent-to-child. Adding an existing edge is a no-op.
	AddEdge(ctx context.Context, parent, child string) error
	// RemoveEdge drops parent-to-child if present.
	RemoveEdge(ctx context.Context, parent, child string) error
	// Children returns the direct children of parent, sorted.
	Children(ctx context.Context, parent string) ([]string, error)
}

// Invalidator is the slice of a cache the graph needs; every cache.Cache[T]
// satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, key string) error
}

// Graph invalidates derived keys together with their source.
type Graph struct {
	edges EdgeStore
	cache Invalidator
	bus   syncbus.Bus
}

// Option configures a Graph.
type Option func(*Graph)

// WithInvalidator binds the cache whose entries the graph drops.
func WithInvalidator(inv Invalidator) Option {
	return func(g *Graph) { g.cache = inv }
}

// WithBus propagates every invalidated key to peer nodes.
func WithBus(b syncbus.Bus) Option {
	return func(g *Graph) { g.bus = b }
}

// NewGraph builds a graph over the given edge store.
func NewGraph(edges EdgeStore, opts ...Option) *Graph {
	g := &Graph{edges: edges}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddDependency records that child's cached value derives from parent.
func (g *Graph) AddDependency(ctx context.Context, parent, child string) error {
	if parent == child {
		return ErrSelfDependency
	}
	return g.edges.AddEdge(ctx, parent, child)
}

// RemoveDependency drops the parent-to-child edge.
func (g *Graph) RemoveDependency(ctx context.Context, parent, child string) error {
	return g.edges.RemoveEdge(ctx, parent, child)
}

// Children lists the keys directly depending on parent.
func (g *Graph) Children(ctx context.Context, parent string) ([]string, error) {
	return g.edges.Children(ctx, parent)
}

// Invalidate drops key and everything reachable from it, breadth-first.
// Cycles are visited once. Cache and bus failures are logged and skipped so
// one bad hop cannot strand the rest of the cascade; an edge read failure
// aborts the walk. The returned slice holds every key visited, in walk
// order.
func (g *Graph) Invalidate(ctx context.Context, key string) ([]string, error) {
	seen := map[string]struct{}{key: {}}
	queue := []string{key}
	var visited []string

	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		visited = append(visited, k)

		if g.cache != nil {
			if err := g.cache.Invalidate(ctx, k); err != nil {
				slog.Warn("perch: nested invalidate failed", "key", k, "err", err)
			}
		}
		if g.bus != nil {
			if err := g.bus.Publish(ctx, KeyTopic(k)); err != nil {
				slog.Warn("perch: nested publish failed", "key", k, "err", err)
			}
		}

		children, err := g.edges.Children(ctx, k)
		if err != nil {
			return visited, err
		}
		for _, c := range children {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			queue = append(queue, c)
		}
	}
	return visited, nil
}
