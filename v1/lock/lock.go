package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perchlock/go-perch/v1/store"
)

var tracer = otel.Tracer("github.com/perchlock/go-perch/v1/lock")

var (
	// ErrNotAcquired is returned when the lock is held by someone else and
	// the wait budget, if any, ran out.
	ErrNotAcquired = errors.New("perch: lock not acquired")
	// ErrNotHeld is returned by Release and Extend when the caller's token
	// no longer matches, meaning the lock expired or changed hands.
	ErrNotHeld = errors.New("perch: lock no longer held")
	// ErrInvalidTTL is returned when a non-positive TTL is provided.
	ErrInvalidTTL = errors.New("perch: lock ttl must be positive")
)

const (
	defaultKeyPrefix     = "perch:lock:"
	defaultRetryInterval = 50 * time.Millisecond
	defaultMaxTTL        = 30 * time.Second
)

// Handle represents one successful acquisition. Key, Token, Owner and
// AcquiredAt never change; the deadline moves when the lock is extended.
type Handle struct {
	Key        string
	Token      string
	Owner      string
	AcquiredAt time.Time

	mu        sync.Mutex
	ttl       time.Duration
	expiresAt time.Time
}

// TTL returns the duration granted by the most recent acquire or extend.
func (h *Handle) TTL() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ttl
}

// Deadline returns when the lock lapses unless extended first.
func (h *Handle) Deadline() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expiresAt
}

func (h *Handle) touch(ttl time.Duration) {
	h.mu.Lock()
	h.ttl = ttl
	h.expiresAt = time.Now().Add(ttl)
	h.mu.Unlock()
}

// Manager acquires and releases locks against a store.Client.
type Manager struct {
	store         store.Client
	prefix        string
	retryInterval time.Duration
	maxTTL        time.Duration
	owner         string
	traceEnabled  bool

	acquiredCounter  prometheus.Counter
	contendedCounter prometheus.Counter
	lostCounter      prometheus.Counter
	waitHistogram    prometheus.Histogram
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeyPrefix sets the namespace prepended to every lock key.
func WithKeyPrefix(prefix string) Option {
	return func(m *Manager) {
		m.prefix = prefix
	}
}

// WithRetryInterval sets how long Acquire sleeps between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.retryInterval = d
	}
}

// WithMaxTTL caps the TTL a caller may request; longer requests are clamped.
// The cap bounds how long a crashed holder can wedge a resource.
func WithMaxTTL(d time.Duration) Option {
	return func(m *Manager) {
		m.maxTTL = d
	}
}

// WithOwner records an owner label on every handle, useful in logs when
// several services share a store.
func WithOwner(owner string) Option {
	return func(m *Manager) {
		m.owner = owner
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.acquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perch_lock_acquired_total",
			Help: "Total number of successful lock acquisitions",
		})
		m.contendedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perch_lock_contended_total",
			Help: "Total number of acquisition attempts that found the lock held",
		})
		m.lostCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perch_lock_lost_total",
			Help: "Total number of release or extend calls that found the lock gone",
		})
		m.waitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perch_lock_wait_seconds",
			Help:    "Time spent waiting in Acquire",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(m.acquiredCounter, m.contendedCounter, m.lostCounter, m.waitHistogram)
	}
}

// WithTracing enables OpenTelemetry spans for lock operations.
func WithTracing() Option {
	return func(m *Manager) {
		m.traceEnabled = true
	}
}

// New returns a Manager over the given store.
func New(st store.Client, opts ...Option) *Manager {
	m := &Manager{
		store:         st,
		prefix:        defaultKeyPrefix,
		retryInterval: defaultRetryInterval,
		maxTTL:        defaultMaxTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) span(ctx context.Context, op, key string) (context.Context, trace.Span) {
	if !m.traceEnabled {
		return ctx, nil
	}
	ctx, span := tracer.Start(ctx, op)
	span.SetAttributes(attribute.String("perch.lock.key", key))
	return ctx, span
}

func (m *Manager) clampTTL(ttl time.Duration) (time.Duration, error) {
	if ttl <= 0 {
		return 0, ErrInvalidTTL
	}
	if m.maxTTL > 0 && ttl > m.maxTTL {
		slog.Debug("perch: lock ttl clamped", "requested", ttl, "max", m.maxTTL)
		return m.maxTTL, nil
	}
	return ttl, nil
}

// TryAcquire makes a single attempt at the lock. It returns ErrNotAcquired
// when someone else holds it.
func (m *Manager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	ctx, span := m.span(ctx, "Lock.TryAcquire", key)
	if span != nil {
		defer span.End()
	}
	ttl, err := m.clampTTL(ttl)
	if err != nil {
		return nil, err
	}
	token := uuid.NewString()
	ok, err := m.store.SetNX(ctx, m.prefix+key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		if m.contendedCounter != nil {
			m.contendedCounter.Inc()
		}
		if span != nil {
			span.SetAttributes(attribute.String("perch.lock.result", "contended"))
		}
		return nil, ErrNotAcquired
	}
	if m.acquiredCounter != nil {
		m.acquiredCounter.Inc()
	}
	if span != nil {
		span.SetAttributes(attribute.String("perch.lock.result", "acquired"))
	}
	h := &Handle{
		Key:        key,
		Token:      token,
		Owner:      m.owner,
		AcquiredAt: time.Now(),
	}
	h.touch(ttl)
	return h, nil
}

// Acquire retries TryAcquire at the manager's retry interval until it
// succeeds, the wait budget runs out, or ctx is cancelled. A zero wait
// degenerates to a single attempt.
func (m *Manager) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Handle, error) {
	ctx, span := m.span(ctx, "Lock.Acquire", key)
	if span != nil {
		defer span.End()
	}
	start := time.Now()
	deadline := start.Add(wait)
	defer func() {
		if m.waitHistogram != nil {
			m.waitHistogram.Observe(time.Since(start).Seconds())
		}
	}()

	for {
		h, err := m.TryAcquire(ctx, key, ttl)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNotAcquired
		}
		sleep := m.retryInterval
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Release frees the lock if the handle's token still matches. ErrNotHeld
// means the lock expired or was taken over in the meantime; the resource is
// not touched in that case.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	ctx, span := m.span(ctx, "Lock.Release", h.Key)
	if span != nil {
		defer span.End()
	}
	ok, err := m.store.CompareAndDelete(ctx, m.prefix+h.Key, h.Token)
	if err != nil {
		return err
	}
	if !ok {
		if m.lostCounter != nil {
			m.lostCounter.Inc()
		}
		return ErrNotHeld
	}
	return nil
}

// Extend pushes the lock's deadline out to ttl from now, provided the
// handle's token still matches.
func (m *Manager) Extend(ctx context.Context, h *Handle, ttl time.Duration) error {
	ctx, span := m.span(ctx, "Lock.Extend", h.Key)
	if span != nil {
		defer span.End()
	}
	ttl, err := m.clampTTL(ttl)
	if err != nil {
		return err
	}
	ok, err := m.store.CompareAndExpire(ctx, m.prefix+h.Key, h.Token, ttl)
	if err != nil {
		return err
	}
	if !ok {
		if m.lostCounter != nil {
			m.lostCounter.Inc()
		}
		return ErrNotHeld
	}
	h.touch(ttl)
	return nil
}

// Do runs fn while holding the lock, releasing it afterwards. The release
// error is logged rather than returned; fn's error wins.
func (m *Manager) Do(ctx context.Context, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	h, err := m.Acquire(ctx, key, ttl, wait)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := m.Release(context.Background(), h); rerr != nil && !errors.Is(rerr, ErrNotHeld) {
			slog.Warn("perch: lock release failed", "key", key, "error", rerr)
		}
	}()
	return fn(ctx)
}
