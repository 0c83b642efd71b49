package seats

import (
	"errors"
	"sort"
	"time"
)

// Errors returned by Engine operations. Callers branch with errors.Is.
var (
	// ErrSeatUnavailable is returned by Reserve when the seat is already
	// held, booked or blocked.
	ErrSeatUnavailable = errors.New("perch: seat unavailable")

	// ErrLockTimeout is returned by Reserve when the per-seat lock could
	// not be acquired within the wait budget.
	ErrLockTimeout = errors.New("perch: timed out waiting for seat lock")

	// ErrNoReservation is returned by Confirm when no reservation record
	// exists for the seat.
	ErrNoReservation = errors.New("perch: no reservation for seat")

	// ErrNotOwner is returned when a caller tries to confirm or release a
	// reservation held by a different user.
	ErrNotOwner = errors.New("perch: reservation belongs to another user")

	// ErrReservationExpired is returned by Confirm when the reservation
	// window lapsed before the caller confirmed.
	ErrReservationExpired = errors.New("perch: reservation window expired")

	// ErrUnknownFlight is returned when the flight was never created.
	ErrUnknownFlight = errors.New("perch: unknown flight")

	// ErrBadSeat is returned when the seat number is outside the flight's
	// seat map.
	ErrBadSeat = errors.New("perch: seat number out of range")

	// ErrNoFeed is returned by Watch when no watch feed is attached.
	ErrNoFeed = errors.New("perch: no watch feed attached")
)

// SeatStatus is the lifecycle state of a single seat.
type SeatStatus string

const (
	StatusAvailable SeatStatus = "AVAILABLE"
	StatusReserved  SeatStatus = "RESERVED"
	StatusBooked    SeatStatus = "BOOKED"
	StatusBlocked   SeatStatus = "BLOCKED"
)

// ClassBlock describes a contiguous run of seats belonging to one cabin
// class, counted from the front of the aircraft.
type ClassBlock struct {
	Class string `json:"class"`
	Count int    `json:"count"`
}

// Layout describes the seat map of a flight. Seats are numbered 1..SeatCount.
// Classes is optional; when present the block counts must sum to SeatCount.
type Layout struct {
	SeatCount int          `json:"seat_count"`
	Classes   []ClassBlock `json:"classes,omitempty"`
}

// Validate reports whether the layout is internally consistent.
func (l Layout) Validate() error {
	if l.SeatCount <= 0 {
		return errors.New("perch: layout needs at least one seat")
	}
	if len(l.Classes) == 0 {
		return nil
	}
	sum := 0
	for _, c := range l.Classes {
		if c.Count <= 0 {
			return errors.New("perch: class block count must be positive")
		}
		sum += c.Count
	}
	if sum != l.SeatCount {
		return errors.New("perch: class blocks do not cover the seat map")
	}
	return nil
}

// ClassFor returns the cabin class of a seat, or "" when the layout carries
// no class information. The seat must be in range.
func (l Layout) ClassFor(seat int) string {
	rest := seat
	for _, c := range l.Classes {
		if rest <= c.Count {
			return c.Class
		}
		rest -= c.Count
	}
	return ""
}

// FlightMeta is the persisted description of a flight: its layout, the
// seats blocked at creation time and when it was registered.
type FlightMeta struct {
	Layout    Layout    `json:"layout"`
	Blocked   []int     `json:"blocked,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// isBlocked reports whether seat was blocked at creation. Blocked is kept
// sorted by CreateFlightSeating.
func (m FlightMeta) isBlocked(seat int) bool {
	i := sort.SearchInts(m.Blocked, seat)
	return i < len(m.Blocked) && m.Blocked[i] == seat
}

// Reservation is the record behind a held or booked seat. It is stored
// alongside the seat bitmap and carries the ownership and expiry facts the
// bitmap cannot express.
type Reservation struct {
	ID         string    `json:"id"`
	FlightID   string    `json:"flight_id"`
	Seat       int       `json:"seat"`
	UserID     string    `json:"user_id"`
	ReservedAt time.Time `json:"reserved_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Confirmed  bool      `json:"confirmed,omitempty"`
	BookingID  string    `json:"booking_id,omitempty"`
}

// SeatInfo is one seat's slice of a Snapshot.
type SeatInfo struct {
	Seat   int        `json:"seat"`
	Class  string     `json:"class,omitempty"`
	Status SeatStatus `json:"status"`
}

// Snapshot is a point-in-time view of a flight's seat map.
type Snapshot struct {
	FlightID  string     `json:"flight_id"`
	Total     int        `json:"total"`
	Available int        `json:"available"`
	Reserved  int        `json:"reserved"`
	Booked    int        `json:"booked"`
	Blocked   int        `json:"blocked"`
	Seats     []SeatInfo `json:"seats"`
	Checksum  uint64     `json:"checksum"`
	TakenAt   time.Time  `json:"taken_at"`
}
