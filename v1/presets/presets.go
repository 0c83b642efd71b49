// Package presets wires complete perch stacks with one call. The Redis
// preset is the production shape: the Redis store behind bounded retries,
// reservation and metadata caches degrading to local memory behind a
// circuit breaker, pub/sub invalidation signals, a stream-backed watch
// feed, the flight popularity board and a booking archive. Standalone runs
// the same machinery entirely in process for development and tests.
package presets

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/perchlock/go-perch/v1/adapter"
	"github.com/perchlock/go-perch/v1/cache"
	"github.com/perchlock/go-perch/v1/leaderboard"
	"github.com/perchlock/go-perch/v1/lock"
	"github.com/perchlock/go-perch/v1/nested"
	"github.com/perchlock/go-perch/v1/seats"
	"github.com/perchlock/go-perch/v1/store"
	"github.com/perchlock/go-perch/v1/syncbus"
	"github.com/perchlock/go-perch/v1/watchbus"
)

const (
	defaultSnapshotEntries = 1024
	defaultSnapshotTTL     = 2 * time.Second
	defaultStoreAttempts   = 3
	defaultStoreBackoff    = 50 * time.Millisecond
	archivePrefix          = "perch:archive:"
)

// RedisOptions configures the connection shared by every Redis-backed
// component of the preset.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// ReservationWindow overrides the engine's default hold window when
	// positive.
	ReservationWindow time.Duration
	// SnapshotCacheSize bounds the in-process snapshot cache; zero or
	// negative uses a default of 1024 entries.
	SnapshotCacheSize int64
	// LockOwner tags every lock acquired by this node, usually a hostname.
	LockOwner string
	// Metrics registers lock and engine counters when set.
	Metrics prometheus.Registerer
}

// Perch is a fully wired stack. Everything hangs off the same store, so the
// pieces can also be used directly: Locks for app-level critical sections,
// Graph for dependent-key invalidation, Board for popularity reads.
type Perch struct {
	Store   store.Client
	Locks   *lock.Manager
	Engine  *seats.Engine
	Bus     syncbus.Bus
	Feed    watchbus.WatchBus
	Board   leaderboard.Board
	Graph   *nested.Graph
	Archive adapter.Store[seats.Reservation]

	client  *redis.Client
	closers []func()
}

// Close stops the in-process caches the preset created and closes the
// redis client, if any.
func (p *Perch) Close() error {
	for _, fn := range p.closers {
		fn()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// NewRedisEngine builds the production stack on one Redis connection.
func NewRedisEngine(opts RedisOptions) (*Perch, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presets: redis unreachable: %w", err)
	}

	st := store.WithRetries(store.NewRedis(client), defaultStoreAttempts, defaultStoreBackoff)

	var lockOpts []lock.Option
	if opts.LockOwner != "" {
		lockOpts = append(lockOpts, lock.WithOwner(opts.LockOwner))
	}
	if opts.Metrics != nil {
		lockOpts = append(lockOpts, lock.WithMetrics(opts.Metrics))
	}
	locks := lock.New(st, lockOpts...)

	// Records and metadata survive a Redis outage on the local tier;
	// seat bits on the store stay authoritative either way.
	resLocal := cache.NewMemory[seats.Reservation]()
	resCache := cache.NewFallback[seats.Reservation](
		cache.NewRedis[seats.Reservation](client), resLocal)
	metaLocal := cache.NewMemory[seats.FlightMeta]()
	metaCache := cache.NewFallback[seats.FlightMeta](
		cache.NewRedis[seats.FlightMeta](client), metaLocal)

	size := opts.SnapshotCacheSize
	if size <= 0 {
		size = defaultSnapshotEntries
	}
	snaps, err := cache.NewRistretto[seats.Snapshot](size)
	if err != nil {
		_ = client.Close()
		resLocal.Close()
		metaLocal.Close()
		return nil, err
	}

	bus := syncbus.NewRedisBus(client)
	feed := watchbus.NewRedisWatchBus(client)
	board := leaderboard.NewRedisBoard(client, "")
	archive := adapter.NewRedisStore[seats.Reservation](client,
		adapter.WithRedisPrefix[seats.Reservation](archivePrefix))
	graph := nested.NewGraph(nested.NewRedisEdges(client),
		nested.WithInvalidator(snaps), nested.WithBus(bus))

	engineOpts := []seats.Option{
		seats.WithReservations(resCache),
		seats.WithMetaCache(metaCache),
		seats.WithSnapshotCache(snaps, defaultSnapshotTTL),
		seats.WithBus(bus),
		seats.WithFeed(feed),
		seats.WithLeaderboard(board),
		seats.WithArchive(archive),
	}
	if opts.ReservationWindow > 0 {
		engineOpts = append(engineOpts, seats.WithReservationWindow(opts.ReservationWindow))
	}
	if opts.Metrics != nil {
		engineOpts = append(engineOpts, seats.WithMetrics(opts.Metrics))
	}
	engine := seats.NewEngine(st, locks, engineOpts...)

	return &Perch{
		Store:   st,
		Locks:   locks,
		Engine:  engine,
		Bus:     bus,
		Feed:    feed,
		Board:   board,
		Graph:   graph,
		Archive: archive,
		client:  client,
		closers: []func(){resLocal.Close, metaLocal.Close, snaps.Close, func() { _ = bus.Close() }},
	}, nil
}

// NewStandalone builds the whole stack in process memory, with no external
// dependencies. Useful for development and tests.
func NewStandalone() *Perch {
	st := store.NewMemory()
	locks := lock.New(st)
	res := cache.NewMemory[seats.Reservation]()
	meta := cache.NewMemory[seats.FlightMeta]()
	bus := syncbus.NewInMemoryBus()
	feed := watchbus.NewInMemory()
	board := leaderboard.NewMemoryBoard()
	archive := adapter.NewInMemoryStore[seats.Reservation]()
	graph := nested.NewGraph(nested.NewMemoryEdges(), nested.WithBus(bus))

	engine := seats.NewEngine(st, locks,
		seats.WithReservations(res),
		seats.WithMetaCache(meta),
		seats.WithBus(bus),
		seats.WithFeed(feed),
		seats.WithLeaderboard(board),
		seats.WithArchive(archive),
	)

	return &Perch{
		Store:   st,
		Locks:   locks,
		Engine:  engine,
		Bus:     bus,
		Feed:    feed,
		Board:   board,
		Graph:   graph,
		Archive: archive,
		closers: []func(){res.Close, meta.Close},
	}
}
