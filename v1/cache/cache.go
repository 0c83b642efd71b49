package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/perchlock/go-perch/v1/cache")

// Cache defines the operations perch needs from a cache layer.
//
// T is the type of values stored. A TTL of zero means the entry does not
// expire on its own.
type Cache[T any] interface {
	// Get retrieves the value for key. The boolean return reports whether
	// the key was found; a miss is not an error.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores value under key for the given TTL.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes key from the cache.
	Invalidate(ctx context.Context, key string) error
}

// BulkGetter is implemented by caches that can fetch several keys in one
// round trip. Missing keys are simply absent from the result map.
type BulkGetter[T any] interface {
	GetMulti(ctx context.Context, keys []string) (map[string]T, error)
}

// GetMulti bulk-loads keys from c, using its native batched path when it has
// one and a per-key loop otherwise.
func GetMulti[T any](ctx context.Context, c Cache[T], keys []string) (map[string]T, error) {
	if bg, ok := c.(BulkGetter[T]); ok {
		return bg.GetMulti(ctx, keys)
	}
	out := make(map[string]T, len(keys))
	for _, k := range keys {
		v, found, err := c.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if found {
			out[k] = v
		}
	}
	return out, nil
}

// Memory is an in-process Cache with TTL support and LRU eviction. A
// background sweeper removes expired entries so abandoned keys do not pin
// memory between accesses.
type Memory[T any] struct {
	mu            sync.Mutex
	items         map[string]memItem[T]
	order         *list.List
	hits          atomic.Uint64
	misses        atomic.Uint64
	sweepInterval time.Duration
	maxEntries    int
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
	traceEnabled    bool
}

type memItem[T any] struct {
	value     T
	expiresAt time.Time
	element   *list.Element
}

// MemoryOption configures a Memory cache.
type MemoryOption[T any] func(*Memory[T])

// WithSweepInterval sets the interval at which expired entries are removed.
// A zero or negative duration disables the background sweeper.
func WithSweepInterval[T any](d time.Duration) MemoryOption[T] {
	return func(c *Memory[T]) {
		c.sweepInterval = d
	}
}

// WithMaxEntries bounds the number of entries; the least recently used entry
// is evicted when the bound is exceeded. Non-positive means unbounded.
func WithMaxEntries[T any](n int) MemoryOption[T] {
	return func(c *Memory[T]) {
		c.maxEntries = n
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[T any](reg prometheus.Registerer) MemoryOption[T] {
	return func(c *Memory[T]) {
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perch_cache_hits_total",
			Help: "Total number of cache hits",
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perch_cache_misses_total",
			Help: "Total number of cache misses",
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perch_cache_evictions_total",
			Help: "Total number of cache evictions",
		})
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter)
	}
}

// WithTracing enables OpenTelemetry spans for cache operations.
func WithTracing[T any]() MemoryOption[T] {
	return func(c *Memory[T]) {
		c.traceEnabled = true
	}
}

// defaultSweepInterval balances timely cleanup of expired reservations with
// minimal lock churn.
const defaultSweepInterval = time.Minute

// NewMemory returns a new Memory cache. When the sweep interval is positive a
// background goroutine periodically removes expired entries; call Close to
// stop it.
func NewMemory[T any](opts ...MemoryOption[T]) *Memory[T] {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Memory[T]{
		items:         make(map[string]memItem[T]),
		order:         list.New(),
		sweepInterval: defaultSweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

func (c *Memory[T]) span(ctx context.Context, op string) (context.Context, trace.Span) {
	if !c.traceEnabled {
		return ctx, nil
	}
	return tracer.Start(ctx, op)
}

// Get implements Cache.Get.
func (c *Memory[T]) Get(ctx context.Context, key string) (T, bool, error) {
	ctx, span := c.span(ctx, "Cache.Get")
	if span != nil {
		defer span.End()
	}
	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	default:
	}

	c.mu.Lock()
	it, ok := c.items[key]
	if ok && !it.expiresAt.IsZero() && time.Now().After(it.expiresAt) {
		c.order.Remove(it.element)
		delete(c.items, key)
		if c.evictionCounter != nil {
			c.evictionCounter.Inc()
		}
		ok = false
	}
	if ok {
		c.order.MoveToFront(it.element)
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		if c.missCounter != nil {
			c.missCounter.Inc()
		}
		if span != nil {
			span.SetAttributes(attribute.String("perch.cache.result", "miss"))
		}
		return zero, false, nil
	}
	c.hits.Add(1)
	if c.hitCounter != nil {
		c.hitCounter.Inc()
	}
	if span != nil {
		span.SetAttributes(attribute.String("perch.cache.result", "hit"))
	}
	return it.value, true, nil
}

// GetMulti implements BulkGetter under a single lock acquisition.
func (c *Memory[T]) GetMulti(ctx context.Context, keys []string) (map[string]T, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	now := time.Now()
	out := make(map[string]T, len(keys))
	c.mu.Lock()
	for _, k := range keys {
		it, ok := c.items[k]
		if !ok {
			continue
		}
		if !it.expiresAt.IsZero() && now.After(it.expiresAt) {
			c.order.Remove(it.element)
			delete(c.items, k)
			continue
		}
		out[k] = it.value
	}
	c.mu.Unlock()
	return out, nil
}

// Set implements Cache.Set.
func (c *Memory[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	ctx, span := c.span(ctx, "Cache.Set")
	if span != nil {
		defer span.End()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		it.value = value
		it.expiresAt = exp
		c.items[key] = it
		c.order.MoveToFront(it.element)
		return nil
	}
	elem := c.order.PushFront(key)
	c.items[key] = memItem[T]{value: value, expiresAt: exp, element: elem}
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		if tail := c.order.Back(); tail != nil {
			k := tail.Value.(string)
			c.order.Remove(tail)
			delete(c.items, k)
			if c.evictionCounter != nil {
				c.evictionCounter.Inc()
			}
		}
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *Memory[T]) Invalidate(ctx context.Context, key string) error {
	ctx, span := c.span(ctx, "Cache.Invalidate")
	if span != nil {
		defer span.End()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.order.Remove(it.element)
		delete(c.items, key)
		if c.evictionCounter != nil {
			c.evictionCounter.Inc()
		}
	}
	return nil
}

// sweeper periodically removes expired entries. It samples a bounded number
// of keys per pass, Redis-style, so the map is never locked for long; a pass
// repeats immediately while it keeps finding mostly-expired samples.
func (c *Memory[T]) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	const (
		sampleSize    = 20
		repeatRatio   = 0.25
		maxPassRounds = 16
	)

	for {
		select {
		case <-ticker.C:
			for round := 0; round < maxPassRounds; round++ {
				expired := 0
				checked := 0
				now := time.Now()

				c.mu.Lock()
				for k, it := range c.items {
					checked++
					if !it.expiresAt.IsZero() && now.After(it.expiresAt) {
						c.order.Remove(it.element)
						delete(c.items, k)
						if c.evictionCounter != nil {
							c.evictionCounter.Inc()
						}
						expired++
					}
					if checked >= sampleSize {
						break
					}
				}
				c.mu.Unlock()

				if float64(expired) < float64(sampleSize)*repeatRatio {
					break
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close stops the background sweeper and drops all entries.
func (c *Memory[T]) Close() {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	c.items = make(map[string]memItem[T])
	c.order.Init()
	c.mu.Unlock()
}

// Stats reports basic usage counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current usage counters for the cache.
func (c *Memory[T]) Metrics() Stats {
	c.mu.Lock()
	size := len(c.items)
	c.mu.Unlock()
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: size}
}
