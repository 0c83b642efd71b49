package seats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perchlock/go-perch/v1/adapter"
	"github.com/perchlock/go-perch/v1/cache"
	"github.com/perchlock/go-perch/v1/lock"
	"github.com/perchlock/go-perch/v1/store"
	"github.com/perchlock/go-perch/v1/syncbus"
	"github.com/perchlock/go-perch/v1/watchbus"
)

const (
	defaultKeyPrefix         = "perch:"
	defaultReservationWindow = 60 * time.Second
	defaultBookingTTL        = 24 * time.Hour
	defaultSeatLockTTL       = 3 * time.Second
	defaultReleaseWait       = 5 * time.Second
	defaultSnapshotTTL       = 2 * time.Second
)

var tracer = otel.Tracer("github.com/perchlock/go-perch/v1/seats")

// Scoreboard records flight activity for popularity rankings. It is
// satisfied by leaderboard.Board; the engine bumps a flight's score on every
// successful reservation.
type Scoreboard interface {
	Bump(ctx context.Context, flightID string, delta float64) error
}

// Engine coordinates seat state for flights over a shared store. The seat
// occupancy of a flight lives in one bitmap (bit N-1 set means seat N is
// held, booked or blocked); per-seat reservation records carry ownership and
// expiry. All mutations run under a per-seat lock from the lock manager, so
// two nodes can never hand out the same seat.
type Engine struct {
	store store.Client
	locks *lock.Manager

	prefix      string
	window      time.Duration
	bookingTTL  time.Duration
	lockTTL     time.Duration
	releaseWait time.Duration

	reservations cache.Cache[Reservation]
	meta         cache.Cache[FlightMeta]
	snapshots    cache.Cache[Snapshot]
	snapshotTTL  time.Duration

	bus     syncbus.Bus
	feed    watchbus.WatchBus
	board   Scoreboard
	archive adapter.Store[Reservation]

	clock func() time.Time

	mu       sync.RWMutex
	flights  map[string]struct{}
	lastSent map[string]uint64

	reserves     prometheus.Counter
	conflicts    prometheus.Counter
	confirms     prometheus.Counter
	releases     prometheus.Counter
	reclaims     prometheus.Counter
	traceEnabled bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithKeyPrefix overrides the key namespace (default "perch:").
func WithKeyPrefix(prefix string) Option {
	return func(e *Engine) { e.prefix = prefix }
}

// WithReservationWindow sets how long a hold stays valid before it can be
// reclaimed (default one minute).
func WithReservationWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// WithBookingTTL sets how long a confirmed booking record is retained
// (default 24h).
func WithBookingTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.bookingTTL = d
		}
	}
}

// WithSeatLockTTL sets the TTL of the per-seat mutation lock (default 3s).
// It bounds how long a seat stays frozen if a node dies mid-mutation.
func WithSeatLockTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTTL = d
		}
	}
}

// WithReservations replaces the reservation record cache. Multi-node
// deployments must inject a shared (Redis-backed) cache here; the default
// in-memory cache only suits a single node.
func WithReservations(c cache.Cache[Reservation]) Option {
	return func(e *Engine) {
		if c != nil {
			e.reservations = c
		}
	}
}

// WithMetaCache replaces the flight metadata cache. The same single-node
// caveat as WithReservations applies.
func WithMetaCache(c cache.Cache[FlightMeta]) Option {
	return func(e *Engine) {
		if c != nil {
			e.meta = c
		}
	}
}

// WithSnapshotCache attaches a short-lived cache for computed snapshots, so
// hot flights do not recount their bitmap on every read. ttl <= 0 keeps the
// default 2s.
func WithSnapshotCache(c cache.Cache[Snapshot], ttl time.Duration) Option {
	return func(e *Engine) {
		e.snapshots = c
		if ttl > 0 {
			e.snapshotTTL = ttl
		}
	}
}

// WithBus attaches the invalidation bus. The engine publishes the flight's
// topic after every successful mutation.
func WithBus(b syncbus.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithFeed attaches a watch feed. The engine publishes a JSON snapshot to
// the flight's watch key whenever the seat map actually changes.
func WithFeed(f watchbus.WatchBus) Option {
	return func(e *Engine) { e.feed = f }
}

// WithLeaderboard attaches a scoreboard bumped on every reservation.
func WithLeaderboard(sb Scoreboard) Option {
	return func(e *Engine) { e.board = sb }
}

// WithArchive attaches a durable store that receives every confirmed
// booking, keyed by booking ID.
func WithArchive(a adapter.Store[Reservation]) Option {
	return func(e *Engine) { e.archive = a }
}

// WithClock overrides the engine's time source. Tests use it to age holds
// without sleeping.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.clock = fn
		}
	}
}

// WithMetrics registers this engine's counters with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.reserves = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perch_seats_reserved_total",
			Help: "Seats successfully reserved.",
		})
		e.conflicts = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perch_seats_conflicts_total",
			Help: "Reservation attempts rejected because the seat was taken or locked.",
		})
		e.confirms = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perch_seats_confirmed_total",
			Help: "Reservations confirmed into bookings.",
		})
		e.releases = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perch_seats_released_total",
			Help: "Reservations released or canceled by their owner.",
		})
		e.reclaims = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perch_seats_reclaimed_total",
			Help: "Expired holds reclaimed back to available.",
		})
		reg.MustRegister(e.reserves, e.conflicts, e.confirms, e.releases, e.reclaims)
	}
}

// WithTracing enables OpenTelemetry spans around engine operations.
func WithTracing() Option {
	return func(e *Engine) { e.traceEnabled = true }
}

// NewEngine builds an Engine on top of the given store and lock manager.
func NewEngine(st store.Client, locks *lock.Manager, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		locks:       locks,
		prefix:      defaultKeyPrefix,
		window:      defaultReservationWindow,
		bookingTTL:  defaultBookingTTL,
		lockTTL:     defaultSeatLockTTL,
		releaseWait: defaultReleaseWait,
		snapshotTTL: defaultSnapshotTTL,
		clock:       time.Now,
		flights:     make(map[string]struct{}),
		lastSent:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.reservations == nil {
		e.reservations = cache.NewMemory[Reservation]()
	}
	if e.meta == nil {
		e.meta = cache.NewMemory[FlightMeta]()
	}
	return e
}

func (e *Engine) span(ctx context.Context, op, flightID string) (context.Context, trace.Span) {
	if !e.traceEnabled {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, "seats."+op,
		trace.WithAttributes(attribute.String("perch.flight", flightID)))
}

func (e *Engine) bitmapKey(flightID string) string {
	return e.prefix + "seats:" + flightID
}

func (e *Engine) resKey(flightID string, seat int) string {
	return e.prefix + "res:" + flightID + ":" + strconv.Itoa(seat)
}

func (e *Engine) metaKey(flightID string) string {
	return e.prefix + "flight:" + flightID
}

func (e *Engine) seatLockName(flightID string, seat int) string {
	return "seat:" + flightID + ":" + strconv.Itoa(seat)
}

// WatchKey is the watch-feed key carrying this flight's snapshots. HTTP
// surfaces pass it to watchbus handlers.
func (e *Engine) WatchKey(flightID string) string {
	return e.prefix + "watch:" + flightID
}

func (e *Engine) flightMeta(ctx context.Context, flightID string) (FlightMeta, error) {
	m, ok, err := e.meta.Get(ctx, e.metaKey(flightID))
	if err != nil {
		return FlightMeta{}, err
	}
	if !ok {
		return FlightMeta{}, fmt.Errorf("%w: %s", ErrUnknownFlight, flightID)
	}
	return m, nil
}

func (e *Engine) seatOffset(m FlightMeta, seat int) (int64, error) {
	if seat < 1 || seat > m.Layout.SeatCount {
		return 0, fmt.Errorf("%w: seat %d of %d", ErrBadSeat, seat, m.Layout.SeatCount)
	}
	return int64(seat - 1), nil
}

// RegisterFlight adds a flight created elsewhere to this engine's sweep set
// without touching its seat map. It reports whether the flight was newly
// registered.
func (e *Engine) RegisterFlight(flightID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.flights[flightID]; ok {
		return false
	}
	e.flights[flightID] = struct{}{}
	return true
}

// UnregisterFlight removes a flight from this engine's sweep set.
func (e *Engine) UnregisterFlight(flightID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.flights, flightID)
	delete(e.lastSent, flightID)
}

// Flights returns the registered flight IDs in no particular order.
func (e *Engine) Flights() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.flights))
	for id := range e.flights {
		out = append(out, id)
	}
	return out
}

// CreateFlightSeating initializes (or resets) the seat map of a flight:
// every seat becomes available except the blocked ones, which are set in the
// bitmap and recorded in the flight metadata so no reclaim pass ever frees
// them. It returns the initial snapshot.
func (e *Engine) CreateFlightSeating(ctx context.Context, flightID string, layout Layout, blocked []int) (*Snapshot, error) {
	ctx, span := e.span(ctx, "CreateFlightSeating", flightID)
	defer span.End()

	if flightID == "" {
		return nil, errors.New("perch: empty flight id")
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	blocked = dedupSeats(blocked)
	for _, s := range blocked {
		if s < 1 || s > layout.SeatCount {
			return nil, fmt.Errorf("%w: blocked seat %d", ErrBadSeat, s)
		}
	}

	key := e.bitmapKey(flightID)
	if _, err := e.store.Del(ctx, key); err != nil {
		return nil, err
	}
	for _, s := range blocked {
		if _, err := e.store.SetBit(ctx, key, int64(s-1), 1); err != nil {
			return nil, err
		}
	}
	m := FlightMeta{Layout: layout, Blocked: blocked, CreatedAt: e.clock().UTC()}
	if err := e.meta.Set(ctx, e.metaKey(flightID), m, 0); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.flights[flightID] = struct{}{}
	delete(e.lastSent, flightID)
	e.mu.Unlock()

	slog.Info("perch: flight seating created",
		"flight", flightID, "seats", layout.SeatCount, "blocked", len(blocked))
	e.invalidateSnapshot(ctx, flightID)
	e.notify(ctx, flightID)
	return e.Snapshot(ctx, flightID)
}

// IsAvailable reports whether a seat can currently be reserved. It reads a
// single bit and takes no lock, so the answer may be stale by the time the
// caller acts on it; Reserve re-checks under the seat lock.
func (e *Engine) IsAvailable(ctx context.Context, flightID string, seat int) (bool, error) {
	m, err := e.flightMeta(ctx, flightID)
	if err != nil {
		return false, err
	}
	off, err := e.seatOffset(m, seat)
	if err != nil {
		return false, err
	}
	bit, err := e.store.GetBit(ctx, e.bitmapKey(flightID), off)
	if err != nil {
		return false, err
	}
	return bit == 0, nil
}

// BulkAvailability answers availability for many seats in one store round
// trip. An empty seat list means the whole flight.
func (e *Engine) BulkAvailability(ctx context.Context, flightID string, seatNums []int) (map[int]bool, error) {
	m, err := e.flightMeta(ctx, flightID)
	if err != nil {
		return nil, err
	}
	if len(seatNums) == 0 {
		seatNums = make([]int, m.Layout.SeatCount)
		for i := range seatNums {
			seatNums[i] = i + 1
		}
	}
	offsets := make([]int64, 0, len(seatNums))
	for _, s := range seatNums {
		off, err := e.seatOffset(m, s)
		if err != nil {
			return nil, err
		}
		offsets = append(offsets, off)
	}
	bits, err := e.store.GetBits(ctx, e.bitmapKey(flightID), offsets)
	if err != nil {
		return nil, err
	}
	out := make(map[int]bool, len(seatNums))
	for _, s := range seatNums {
		out[s] = bits[int64(s-1)] == 0
	}
	return out, nil
}

// Reserve places a hold on a seat for userID. It fails fast with
// ErrSeatUnavailable when the seat bit is already set, waits up to wait for
// the per-seat lock (ErrLockTimeout once the budget is spent), re-checks the
// bit under the lock, then writes bit and reservation record. The returned
// reservation expires after the engine's reservation window unless confirmed.
func (e *Engine) Reserve(ctx context.Context, flightID string, seat int, userID string, wait time.Duration) (*Reservation, error) {
	ctx, span := e.span(ctx, "Reserve", flightID)
	defer span.End()
	span.SetAttributes(attribute.Int("perch.seat", seat))

	if userID == "" {
		return nil, errors.New("perch: empty user id")
	}
	m, err := e.flightMeta(ctx, flightID)
	if err != nil {
		return nil, err
	}
	off, err := e.seatOffset(m, seat)
	if err != nil {
		return nil, err
	}
	key := e.bitmapKey(flightID)

	// Cheap pre-check before contending on the seat lock.
	bit, err := e.store.GetBit(ctx, key, off)
	if err != nil {
		return nil, err
	}
	if bit != 0 {
		e.conflict()
		return nil, fmt.Errorf("%w: flight %s seat %d", ErrSeatUnavailable, flightID, seat)
	}

	h, err := e.locks.Acquire(ctx, e.seatLockName(flightID, seat), e.lockTTL, wait)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			e.conflict()
			return nil, fmt.Errorf("%w: flight %s seat %d", ErrLockTimeout, flightID, seat)
		}
		return nil, err
	}
	defer func() {
		if rerr := e.locks.Release(ctx, h); rerr != nil && !errors.Is(rerr, lock.ErrNotHeld) {
			slog.Warn("perch: seat lock release failed",
				"flight", flightID, "seat", seat, "err", rerr)
		}
	}()

	// Someone may have taken the seat while we waited for the lock.
	bit, err = e.store.GetBit(ctx, key, off)
	if err != nil {
		return nil, err
	}
	if bit != 0 {
		e.conflict()
		return nil, fmt.Errorf("%w: flight %s seat %d", ErrSeatUnavailable, flightID, seat)
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	now := e.clock().UTC()
	res := Reservation{
		ID:         id,
		FlightID:   flightID,
		Seat:       seat,
		UserID:     userID,
		ReservedAt: now,
		ExpiresAt:  now.Add(e.window),
	}

	if _, err := e.store.SetBit(ctx, key, off, 1); err != nil {
		return nil, err
	}
	// The record outlives its window so Confirm can still answer "expired"
	// rather than "no reservation" until the sweeper collects the seat.
	if err := e.reservations.Set(ctx, e.resKey(flightID, seat), res, 2*e.window); err != nil {
		if _, rbErr := e.store.SetBit(ctx, key, off, 0); rbErr != nil {
			slog.Error("perch: reservation rollback failed",
				"flight", flightID, "seat", seat, "err", rbErr)
		}
		return nil, err
	}

	if e.reserves != nil {
		e.reserves.Inc()
	}
	if e.board != nil {
		if berr := e.board.Bump(ctx, flightID, 1); berr != nil {
			slog.Warn("perch: scoreboard bump failed", "flight", flightID, "err", berr)
		}
	}
	e.invalidateSnapshot(ctx, flightID)
	e.notify(ctx, flightID)
	slog.Debug("perch: seat reserved", "flight", flightID, "seat", seat, "user", userID)
	return &res, nil
}

// Confirm turns a hold into a booking. Only the reserving user may confirm,
// and only while the reservation window is open; an expired hold is
// reclaimed on the spot and reported as ErrReservationExpired. Confirming an
// already confirmed seat is a no-op.
func (e *Engine) Confirm(ctx context.Context, flightID string, seat int, userID, bookingID string) error {
	ctx, span := e.span(ctx, "Confirm", flightID)
	defer span.End()
	span.SetAttributes(attribute.Int("perch.seat", seat))

	m, err := e.flightMeta(ctx, flightID)
	if err != nil {
		return err
	}
	off, err := e.seatOffset(m, seat)
	if err != nil {
		return err
	}

	rk := e.resKey(flightID, seat)
	res, ok, err := e.reservations.Get(ctx, rk)
	if err != nil {
		return err
	}
	if !ok {
		// A set bit without a record is a stale hold; collect it while
		// we are here, unless the seat is deliberately blocked.
		if !m.isBlocked(seat) {
			if e.reclaimSeat(ctx, flightID, seat, off) {
				e.invalidateSnapshot(ctx, flightID)
				e.notify(ctx, flightID)
			}
		}
		return fmt.Errorf("%w: flight %s seat %d", ErrNoReservation, flightID, seat)
	}
	if res.UserID != userID {
		return fmt.Errorf("%w: flight %s seat %d", ErrNotOwner, flightID, seat)
	}
	if res.Confirmed {
		return nil
	}
	if !e.clock().Before(res.ExpiresAt) {
		if e.reclaimSeat(ctx, flightID, seat, off) {
			e.invalidateSnapshot(ctx, flightID)
			e.notify(ctx, flightID)
		}
		return fmt.Errorf("%w: flight %s seat %d", ErrReservationExpired, flightID, seat)
	}

	res.Confirmed = true
	res.BookingID = bookingID
	if err := e.reservations.Set(ctx, rk, res, e.bookingTTL); err != nil {
		return err
	}
	if e.confirms != nil {
		e.confirms.Inc()
	}
	if e.archive != nil {
		if aerr := e.archive.Set(ctx, bookingID, res); aerr != nil {
			slog.Warn("perch: booking archive write failed",
				"booking", bookingID, "err", aerr)
		}
	}
	e.invalidateSnapshot(ctx, flightID)
	e.notify(ctx, flightID)
	slog.Info("perch: seat booked",
		"flight", flightID, "seat", seat, "booking", bookingID)
	return nil
}

// Release frees a seat held or booked by userID. It reports whether a
// reservation was actually removed: releasing an already free seat is a
// no-op, not an error, so retries are safe. Releasing another user's seat
// returns ErrNotOwner.
func (e *Engine) Release(ctx context.Context, flightID string, seat int, userID string) (bool, error) {
	ctx, span := e.span(ctx, "Release", flightID)
	defer span.End()
	span.SetAttributes(attribute.Int("perch.seat", seat))

	m, err := e.flightMeta(ctx, flightID)
	if err != nil {
		return false, err
	}
	off, err := e.seatOffset(m, seat)
	if err != nil {
		return false, err
	}
	if m.isBlocked(seat) {
		return false, nil
	}

	h, err := e.locks.Acquire(ctx, e.seatLockName(flightID, seat), e.lockTTL, e.releaseWait)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return false, fmt.Errorf("%w: flight %s seat %d", ErrLockTimeout, flightID, seat)
		}
		return false, err
	}
	defer func() {
		if rerr := e.locks.Release(ctx, h); rerr != nil && !errors.Is(rerr, lock.ErrNotHeld) {
			slog.Warn("perch: seat lock release failed",
				"flight", flightID, "seat", seat, "err", rerr)
		}
	}()

	rk := e.resKey(flightID, seat)
	res, ok, err := e.reservations.Get(ctx, rk)
	if err != nil {
		return false, err
	}
	if !ok {
		// No record: nothing for the caller to release, but clear a
		// stranded bit if the store has one.
		bit, berr := e.store.GetBit(ctx, e.bitmapKey(flightID), off)
		if berr == nil && bit == 1 {
			if _, cerr := e.store.SetBit(ctx, e.bitmapKey(flightID), off, 0); cerr == nil {
				e.invalidateSnapshot(ctx, flightID)
				e.notify(ctx, flightID)
			}
		}
		return false, nil
	}
	if res.UserID != userID {
		return false, fmt.Errorf("%w: flight %s seat %d", ErrNotOwner, flightID, seat)
	}

	if err := e.reservations.Invalidate(ctx, rk); err != nil {
		return false, err
	}
	if _, err := e.store.SetBit(ctx, e.bitmapKey(flightID), off, 0); err != nil {
		return false, err
	}
	if e.releases != nil {
		e.releases.Inc()
	}
	e.invalidateSnapshot(ctx, flightID)
	e.notify(ctx, flightID)
	slog.Info("perch: seat released", "flight", flightID, "seat", seat, "user", userID)
	return true, nil
}

// Cancel is Release under the name the booking flow uses.
func (e *Engine) Cancel(ctx context.Context, flightID string, seat int, userID string) (bool, error) {
	return e.Release(ctx, flightID, seat, userID)
}

// ReclaimExpired sweeps one flight, returning every seat number whose hold
// had expired unconfirmed (or whose record vanished) and was returned to
// available. Seats whose lock is contended are skipped; the next sweep gets
// them.
func (e *Engine) ReclaimExpired(ctx context.Context, flightID string) ([]int, error) {
	ctx, span := e.span(ctx, "ReclaimExpired", flightID)
	defer span.End()

	m, err := e.flightMeta(ctx, flightID)
	if err != nil {
		return nil, err
	}
	n := m.Layout.SeatCount
	offsets := make([]int64, n)
	for i := range offsets {
		offsets[i] = int64(i)
	}
	bits, err := e.store.GetBits(ctx, e.bitmapKey(flightID), offsets)
	if err != nil {
		return nil, err
	}

	var held []int
	var keys []string
	for seat := 1; seat <= n; seat++ {
		if bits[int64(seat-1)] == 0 || m.isBlocked(seat) {
			continue
		}
		held = append(held, seat)
		keys = append(keys, e.resKey(flightID, seat))
	}
	if len(held) == 0 {
		return nil, nil
	}
	records, err := cache.GetMulti(ctx, e.reservations, keys)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	var reclaimed []int
	for i, seat := range held {
		if res, ok := records[keys[i]]; ok && (res.Confirmed || now.Before(res.ExpiresAt)) {
			continue
		}
		if e.reclaimSeat(ctx, flightID, seat, int64(seat-1)) {
			reclaimed = append(reclaimed, seat)
		}
	}
	if len(reclaimed) > 0 {
		if e.reclaims != nil {
			e.reclaims.Add(float64(len(reclaimed)))
		}
		e.invalidateSnapshot(ctx, flightID)
		e.notify(ctx, flightID)
		slog.Info("perch: expired holds reclaimed",
			"flight", flightID, "seats", len(reclaimed))
	}
	return reclaimed, nil
}

// reclaimSeat frees one seat whose hold is no longer live. Liveness is
// re-verified under the seat lock: a fresh reservation or confirm that
// slipped in wins. A contended lock means someone is mutating the seat right
// now, so the seat is skipped.
func (e *Engine) reclaimSeat(ctx context.Context, flightID string, seat int, off int64) bool {
	h, err := e.locks.TryAcquire(ctx, e.seatLockName(flightID, seat), e.lockTTL)
	if err != nil {
		if !errors.Is(err, lock.ErrNotAcquired) {
			slog.Warn("perch: reclaim lock failed",
				"flight", flightID, "seat", seat, "err", err)
		}
		return false
	}
	defer func() {
		if rerr := e.locks.Release(ctx, h); rerr != nil && !errors.Is(rerr, lock.ErrNotHeld) {
			slog.Warn("perch: reclaim lock release failed",
				"flight", flightID, "seat", seat, "err", rerr)
		}
	}()

	rk := e.resKey(flightID, seat)
	res, ok, err := e.reservations.Get(ctx, rk)
	if err != nil {
		return false
	}
	if ok && (res.Confirmed || e.clock().Before(res.ExpiresAt)) {
		return false
	}
	if ok {
		if err := e.reservations.Invalidate(ctx, rk); err != nil {
			slog.Warn("perch: reclaim record delete failed",
				"flight", flightID, "seat", seat, "err", err)
			return false
		}
	}
	bit, err := e.store.GetBit(ctx, e.bitmapKey(flightID), off)
	if err != nil || bit == 0 {
		return false
	}
	if _, err := e.store.SetBit(ctx, e.bitmapKey(flightID), off, 0); err != nil {
		slog.Warn("perch: reclaim bit clear failed",
			"flight", flightID, "seat", seat, "err", err)
		return false
	}
	return true
}

func (e *Engine) conflict() {
	if e.conflicts != nil {
		e.conflicts.Inc()
	}
}

func (e *Engine) invalidateSnapshot(ctx context.Context, flightID string) {
	if e.snapshots == nil {
		return
	}
	if err := e.snapshots.Invalidate(ctx, flightID); err != nil {
		slog.Warn("perch: snapshot invalidate failed", "flight", flightID, "err", err)
	}
}

func dedupSeats(seats []int) []int {
	if len(seats) == 0 {
		return nil
	}
	cp := append([]int(nil), seats...)
	sort.Ints(cp)
	uniq := cp[:1]
	for _, s := range cp[1:] {
		if s != uniq[len(uniq)-1] {
			uniq = append(uniq, s)
		}
	}
	return uniq
}
