package seats

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/perchlock/go-perch/v1/adapter"
	"github.com/perchlock/go-perch/v1/cache"
	"github.com/perchlock/go-perch/v1/lock"
	"github.com/perchlock/go-perch/v1/store"
)

// newEngine builds an engine over an in-memory store with test-owned caches
// so every sweeper goroutine is stopped when the test ends. Options passed
// by the test are applied last and win.
func newEngine(t *testing.T, opts ...Option) (*Engine, *store.Memory, *lock.Manager) {
	t.Helper()
	mem := store.NewMemory()
	locks := lock.New(mem)
	res := cache.NewMemory[Reservation]()
	meta := cache.NewMemory[FlightMeta]()
	t.Cleanup(func() {
		res.Close()
		meta.Close()
	})
	opts = append([]Option{WithReservations(res), WithMetaCache(meta)}, opts...)
	return NewEngine(mem, locks, opts...), mem, locks
}

func mustCreate(t *testing.T, e *Engine, flightID string, seatCount int, blocked ...int) *Snapshot {
	t.Helper()
	snap, err := e.CreateFlightSeating(context.Background(), flightID, Layout{SeatCount: seatCount}, blocked)
	if err != nil {
		t.Fatalf("CreateFlightSeating(%s): %v", flightID, err)
	}
	return snap
}

// fakeClock drives reservation expiry without sleeping. Cache TTLs still run
// on real time, so records written with a fake clock stay readable.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCreateFlightSeating(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	snap := mustCreate(t, e, "AA123", 10, 5, 3, 3)
	if snap.Total != 10 || snap.Available != 8 || snap.Blocked != 2 {
		t.Fatalf("unexpected counts: %+v", snap)
	}
	if got := snap.Seats[2].Status; got != StatusBlocked {
		t.Fatalf("seat 3 status = %s, want %s", got, StatusBlocked)
	}
	if got := snap.Seats[4].Status; got != StatusBlocked {
		t.Fatalf("seat 5 status = %s, want %s", got, StatusBlocked)
	}
	for _, seat := range []int{3, 5} {
		ok, err := e.IsAvailable(ctx, "AA123", seat)
		if err != nil {
			t.Fatalf("IsAvailable(%d): %v", seat, err)
		}
		if ok {
			t.Fatalf("blocked seat %d reported available", seat)
		}
	}

	// Recreating a flight resets the whole seat map.
	if _, err := e.Reserve(ctx, "AA123", 1, "u-1", 0); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	snap = mustCreate(t, e, "AA123", 10)
	if snap.Available != 10 || snap.Blocked != 0 {
		t.Fatalf("recreate kept old state: %+v", snap)
	}
}

func TestCreateFlightSeatingValidation(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		flight  string
		layout  Layout
		blocked []int
		wantErr error
	}{
		{name: "empty flight id", layout: Layout{SeatCount: 4}},
		{name: "zero seats", flight: "AA123", layout: Layout{}},
		{name: "class blocks uncover seats", flight: "AA123", layout: Layout{
			SeatCount: 10,
			Classes:   []ClassBlock{{Class: "first", Count: 2}, {Class: "economy", Count: 7}},
		}},
		{name: "blocked past last seat", flight: "AA123", layout: Layout{SeatCount: 4},
			blocked: []int{5}, wantErr: ErrBadSeat},
		{name: "blocked seat zero", flight: "AA123", layout: Layout{SeatCount: 4},
			blocked: []int{0}, wantErr: ErrBadSeat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.CreateFlightSeating(ctx, tc.flight, tc.layout, tc.blocked)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestSeatClasses(t *testing.T) {
	e, _, _ := newEngine(t)
	layout := Layout{
		SeatCount: 10,
		Classes: []ClassBlock{
			{Class: "first", Count: 2},
			{Class: "business", Count: 3},
			{Class: "economy", Count: 5},
		},
	}
	snap, err := e.CreateFlightSeating(context.Background(), "AA123", layout, nil)
	if err != nil {
		t.Fatalf("CreateFlightSeating: %v", err)
	}
	want := []string{
		"first", "first",
		"business", "business", "business",
		"economy", "economy", "economy", "economy", "economy",
	}
	for i, cls := range want {
		if snap.Seats[i].Class != cls {
			t.Fatalf("seat %d class = %q, want %q", i+1, snap.Seats[i].Class, cls)
		}
	}
}

func TestUnknownFlight(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	if _, err := e.IsAvailable(ctx, "ZZ999", 1); !errors.Is(err, ErrUnknownFlight) {
		t.Fatalf("IsAvailable err = %v, want ErrUnknownFlight", err)
	}
	if _, err := e.BulkAvailability(ctx, "ZZ999", nil); !errors.Is(err, ErrUnknownFlight) {
		t.Fatalf("BulkAvailability err = %v, want ErrUnknownFlight", err)
	}
	if _, err := e.Reserve(ctx, "ZZ999", 1, "u-1", 0); !errors.Is(err, ErrUnknownFlight) {
		t.Fatalf("Reserve err = %v, want ErrUnknownFlight", err)
	}
	if err := e.Confirm(ctx, "ZZ999", 1, "u-1", "bk-1"); !errors.Is(err, ErrUnknownFlight) {
		t.Fatalf("Confirm err = %v, want ErrUnknownFlight", err)
	}
	if _, err := e.Release(ctx, "ZZ999", 1, "u-1"); !errors.Is(err, ErrUnknownFlight) {
		t.Fatalf("Release err = %v, want ErrUnknownFlight", err)
	}
	if _, err := e.ReclaimExpired(ctx, "ZZ999"); !errors.Is(err, ErrUnknownFlight) {
		t.Fatalf("ReclaimExpired err = %v, want ErrUnknownFlight", err)
	}
	if _, err := e.Snapshot(ctx, "ZZ999"); !errors.Is(err, ErrUnknownFlight) {
		t.Fatalf("Snapshot err = %v, want ErrUnknownFlight", err)
	}
}

func TestBadSeatNumber(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	mustCreate(t, e, "AA123", 4)

	if _, err := e.IsAvailable(ctx, "AA123", 0); !errors.Is(err, ErrBadSeat) {
		t.Fatalf("IsAvailable err = %v, want ErrBadSeat", err)
	}
	if _, err := e.Reserve(ctx, "AA123", 5, "u-1", 0); !errors.Is(err, ErrBadSeat) {
		t.Fatalf("Reserve err = %v, want ErrBadSeat", err)
	}
	if _, err := e.BulkAvailability(ctx, "AA123", []int{1, 9}); !errors.Is(err, ErrBadSeat) {
		t.Fatalf("BulkAvailability err = %v, want ErrBadSeat", err)
	}
}

func TestReserveAndConfirm(t *testing.T) {
	archive := adapter.NewInMemoryStore[Reservation]()
	e, _, _ := newEngine(t, WithArchive(archive))
	ctx := context.Background()
	mustCreate(t, e, "AA123", 10)

	res, err := e.Reserve(ctx, "AA123", 7, "u-1", 0)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.FlightID != "AA123" || res.Seat != 7 || res.UserID != "u-1" {
		t.Fatalf("unexpected reservation: %+v", res)
	}
	if res.ID == "" {
		t.Fatal("reservation has no id")
	}
	if got := res.ExpiresAt.Sub(res.ReservedAt); got != time.Minute {
		t.Fatalf("reservation window = %v, want %v", got, time.Minute)
	}

	ok, err := e.IsAvailable(ctx, "AA123", 7)
	if err != nil {
		t.Fatalf("IsAvailable: %v", err)
	}
	if ok {
		t.Fatal("reserved seat reported available")
	}

	if err := e.Confirm(ctx, "AA123", 7, "u-1", "bk-42"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	snap, err := e.Snapshot(ctx, "AA123")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Booked != 1 || snap.Seats[6].Status != StatusBooked {
		t.Fatalf("snapshot after confirm: %+v", snap)
	}

	got, ok, err := archive.Get(ctx, "bk-42")
	if err != nil || !ok {
		t.Fatalf("archive.Get = %v, %v", ok, err)
	}
	if !got.Confirmed || got.BookingID != "bk-42" || got.Seat != 7 {
		t.Fatalf("archived booking: %+v", got)
	}
}

func TestReserveTakenSeat(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	mustCreate(t, e, "AA123", 10)

	if _, err := e.Reserve(ctx, "AA123", 2, "u-1", 0); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := e.Reserve(ctx, "AA123", 2, "u-2", 0); !errors.Is(err, ErrSeatUnavailable) {
		t.Fatalf("second Reserve err = %v, want ErrSeatUnavailable", err)
	}
	// Holding a seat does not let the same user double-book it.
	if _, err := e.Reserve(ctx, "AA123", 2, "u-1", 0); !errors.Is(err, ErrSeatUnavailable) {
		t.Fatalf("same-user Reserve err = %v, want ErrSeatUnavailable", err)
	}
}

func TestReserveEmptyUser(t *testing.T) {
	e, _, _ := newEngine(t)
	mustCreate(t, e, "AA123", 4)
	if _, err := e.Reserve(context.Background(), "AA123", 1, "", 0); err == nil {
		t.Fatal("expected an error for an empty user id")
	}
}

func TestConfirmErrors(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	mustCreate(t, e, "AA123", 10)

	if err := e.Confirm(ctx, "AA123", 4, "u-1", "bk-1"); !errors.Is(err, ErrNoReservation) {
		t.Fatalf("Confirm free seat err = %v, want ErrNoReservation", err)
	}

	if _, err := e.Reserve(ctx, "AA123", 4, "u-1", 0); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := e.Confirm(ctx, "AA123", 4, "u-2", "bk-1"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("Confirm wrong owner err = %v, want ErrNotOwner", err)
	}
	if err := e.Confirm(ctx, "AA123", 4, "u-1", "bk-1"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	// Confirming a booked seat again is a no-op and keeps the original
	// booking id.
	if err := e.Confirm(ctx, "AA123", 4, "u-1", "bk-other"); err != nil {
		t.Fatalf("repeat Confirm err = %v", err)
	}
	res, ok, err := e.reservations.Get(ctx, e.resKey("AA123", 4))
	if err != nil || !ok {
		t.Fatalf("record lookup = %v, %v", ok, err)
	}
	if res.BookingID != "bk-1" {
		t.Fatalf("booking id overwritten: %q", res.BookingID)
	}
}

func TestConfirmExpired(t *testing.T) {
	clk := newFakeClock()
	e, _, _ := newEngine(t, WithClock(clk.Now))
	ctx := context.Background()
	mustCreate(t, e, "AA123", 10)

	if _, err := e.Reserve(ctx, "AA123", 9, "u-1", 0); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	clk.Advance(2 * time.Minute)

	if err := e.Confirm(ctx, "AA123", 9, "u-1", "bk-1"); !errors.Is(err, ErrReservationExpired) {
		t.Fatalf("Confirm err = %v, want ErrReservationExpired", err)
	}
	ok, err := e.IsAvailable(ctx, "AA123", 9)
	if err != nil {
		t.Fatalf("IsAvailable: %v", err)
	}
	if !ok {
		t.Fatal("seat not reclaimed after expired confirm")
	}
	// The record went with the seat.
	if err := e.Confirm(ctx, "AA123", 9, "u-1", "bk-1"); !errors.Is(err, ErrNoReservation) {
		t.Fatalf("second Confirm err = %v, want ErrNoReservation", err)
	}
}

func TestReleaseAndCancel(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	mustCreate(t, e, "AA123", 10)

	if _, err := e.Reserve(ctx, "AA123", 3, "u-1", 0); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := e.Release(ctx, "AA123", 3, "u-2"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("Release wrong owner err = %v, want ErrNotOwner", err)
	}
	ok, err := e.Release(ctx, "AA123", 3, "u-1")
	if err != nil || !ok {
		t.Fatalf("Release = %v, %v, want true", ok, err)
	}
	if avail, _ := e.IsAvailable(ctx, "AA123", 3); !avail {
		t.Fatal("seat still held after release")
	}
	// Releasing a free seat reports nothing to do; retries stay safe.
	ok, err = e.Release(ctx, "AA123", 3, "u-1")
	if err != nil || ok {
		t.Fatalf("repeat Release = %v, %v, want false, nil", ok, err)
	}

	if _, err := e.Reserve(ctx, "AA123", 3, "u-1", 0); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	ok, err = e.Cancel(ctx, "AA123", 3, "u-1")
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v, want true", ok, err)
	}

	// A booked seat can still be canceled by its owner.
	if _, err := e.Reserve(ctx, "AA123", 6, "u-3", 0); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := e.Confirm(ctx, "AA123", 6, "u-3", "bk-9"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	ok, err = e.Cancel(ctx, "AA123", 6, "u-3")
	if err != nil || !ok {
		t.Fatalf("Cancel booked = %v, %v, want true", ok, err)
	}
	if avail, _ := e.IsAvailable(ctx, "AA123", 6); !avail {
		t.Fatal("booked seat not freed by cancel")
	}
}

func TestReleaseBlockedSeat(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	mustCreate(t, e, "AA123", 10, 4)

	ok, err := e.Release(ctx, "AA123", 4, "u-1")
	if err != nil || ok {
		t.Fatalf("Release blocked = %v, %v, want false, nil", ok, err)
	}
	if avail, _ := e.IsAvailable(ctx, "AA123", 4); avail {
		t.Fatal("blocked seat became available")
	}
	if _, err := e.Reserve(ctx, "AA123", 4, "u-1", 0); !errors.Is(err, ErrSeatUnavailable) {
		t.Fatalf("Reserve blocked err = %v, want ErrSeatUnavailable", err)
	}
}

func TestReleaseClearsStrandedBit(t *testing.T) {
	e, mem, _ := newEngine(t)
	ctx := context.Background()
	mustCreate(t, e, "AA123", 10)

	// A set bit with no reservation record, as a crashed writer leaves it.
	if _, err := mem.SetBit(ctx, "perch:seats:AA123", 6, 1); err != nil {
		t.Fatalf("SetBit: %v", err)
	}
	ok, err := e.Release(ctx, "AA123", 7, "whoever")
	if err != nil || ok {
		t.Fatalf("Release stranded = %v, %v, want false, nil", ok, err)
	}
	if avail, _ := e.IsAvailable(ctx, "AA123", 7); !avail {
		t.Fatal("stranded bit not cleared")
	}
}

func TestBulkAvailability(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	mustCreate(t, e, "AA123", 6, 6)

	if _, err := e.Reserve(ctx, "AA123", 2, "u-1", 0); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	got, err := e.BulkAvailability(ctx, "AA123", nil)
	if err != nil {
		t.Fatalf("BulkAvailability: %v", err)
	}
	want := map[int]bool{1: true, 2: false, 3: true, 4: true, 5: true, 6: false}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("BulkAvailability = %v, want %v", got, want)
	}

	got, err = e.BulkAvailability(ctx, "AA123", []int{2, 3})
	if err != nil {
		t.Fatalf("BulkAvailability subset: %v", err)
	}
	if !reflect.DeepEqual(got, map[int]bool{2: false, 3: true}) {
		t.Fatalf("subset = %v", got)
	}
}

func TestFlightsRegistry(t *testing.T) {
	e, _, _ := newEngine(t)
	mustCreate(t, e, "AA123", 4)

	if !e.RegisterFlight("BB900") {
		t.Fatal("RegisterFlight reported an existing flight")
	}
	if e.RegisterFlight("BB900") {
		t.Fatal("RegisterFlight reported a duplicate as new")
	}
	got := e.Flights()
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"AA123", "BB900"}) {
		t.Fatalf("Flights = %v", got)
	}

	e.UnregisterFlight("BB900")
	if got := e.Flights(); len(got) != 1 || got[0] != "AA123" {
		t.Fatalf("Flights after unregister = %v", got)
	}
}
