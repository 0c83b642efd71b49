// Package seats implements bitmap-backed seat reservation for flights.
//
// Each flight's occupancy lives in a single bitmap in the shared store: bit
// N-1 set means seat N is held, booked or blocked. Availability checks are
// single-bit reads and count queries are popcounts, so they stay cheap no
// matter how many seats a flight has. The bitmap alone cannot say who holds
// a seat or until when, so every hold also writes a reservation record
// (owner, expiry, booking state) next to it.
//
// The seat lifecycle is AVAILABLE -> RESERVED -> BOOKED, with RESERVED
// falling back to AVAILABLE when the reservation window lapses before
// Confirm. Seats blocked at creation never leave BLOCKED. Mutations run
// under a per-seat lock from the lock manager, which is what makes a
// reservation stampede on one seat resolve to exactly one winner across
// nodes.
//
// Expired holds are reclaimed explicitly: a Sweeper (or a direct
// ReclaimExpired call) scans occupied seats and frees the dead ones, and
// Confirm collects the one seat it touches when it finds the hold expired.
// An expired hold is therefore briefly still counted as reserved; the sweep
// interval bounds that staleness.
package seats
