package nested

import (
	"context"
	"sort"

	redis "github.com/redis/go-redis/v9"
)

const defaultEdgePrefix = "perch:dep:"

// RedisEdges shares dependency edges between nodes as one Redis set per
// parent key.
type RedisEdges struct {
	client *redis.Client
	prefix string
}

// RedisEdgesOption configures RedisEdges.
type RedisEdgesOption func(*RedisEdges)

// WithEdgePrefix overrides the key namespace (default "perch:dep:").
func WithEdgePrefix(prefix string) RedisEdgesOption {
	return func(r *RedisEdges) { r.prefix = prefix }
}

// NewRedisEdges returns an edge store over the given client.
func NewRedisEdges(client *redis.Client, opts ...RedisEdgesOption) *RedisEdges {
	r := &RedisEdges{client: client, prefix: defaultEdgePrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisEdges) key(parent string) string {
	return r.prefix + parent
}

// AddEdge implements EdgeStore.AddEdge.
func (r *RedisEdges) AddEdge(ctx context.Context, parent, child string) error {
	return r.client.SAdd(ctx, r.key(parent), child).Err()
}

// RemoveEdge implements EdgeStore.RemoveEdge.
func (r *RedisEdges) RemoveEdge(ctx context.Context, parent, child string) error {
	return r.client.SRem(ctx, r.key(parent), child).Err()
}

// Children implements EdgeStore.Children. SMEMBERS order is unspecified, so
// the result is sorted here to keep walks deterministic.
func (r *RedisEdges) Children(ctx context.Context, parent string) ([]string, error) {
	children, err := r.client.SMembers(ctx, r.key(parent)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(children)
	return children, nil
}
