// perch-bench drives a seat contention scenario: every round, a crowd of
// callers races for the same seat and exactly one of them should win. Runs
// against an embedded miniredis by default, or a real Redis via -redis.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"golang.org/x/sync/errgroup"

	"github.com/perchlock/go-perch/v1/presets"
	"github.com/perchlock/go-perch/v1/seats"
)

var (
	redisAddr = flag.String("redis", "", "Redis address (empty runs an embedded miniredis)")
	callers   = flag.Int("c", 50, "Concurrent callers per round")
	rounds    = flag.Int("n", 200, "Number of contested rounds")
	seatCount = flag.Int("seats", 180, "Seats on the benchmark flight")
	lockWait  = flag.Duration("wait", 2*time.Second, "Per-caller lock wait")
)

func main() {
	flag.Parse()

	addr := *redisAddr
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			log.Fatalf("miniredis: %v", err)
		}
		defer mr.Close()
		addr = mr.Addr()
		log.Printf("no -redis given, using embedded miniredis at %s", addr)
	}

	p, err := presets.NewRedisEngine(presets.RedisOptions{Addr: addr})
	if err != nil {
		log.Fatalf("setup failed: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	const flightID = "BENCH1"
	if _, err := p.Engine.CreateFlightSeating(ctx, flightID, seats.Layout{SeatCount: *seatCount}, nil); err != nil {
		log.Fatalf("create seating failed: %v", err)
	}

	log.Printf("starting: %d rounds, %d callers each, %d seats, wait %v",
		*rounds, *callers, *seatCount, *lockWait)

	var (
		wins      int64
		conflicts int64
		timeouts  int64
		failures  int64
	)
	start := time.Now()

	for r := 0; r < *rounds; r++ {
		seat := (r % *seatCount) + 1
		var winner atomic.Value

		var g errgroup.Group
		for i := 0; i < *callers; i++ {
			user := fmt.Sprintf("u-%d-%d", r, i)
			g.Go(func() error {
				_, err := p.Engine.Reserve(ctx, flightID, seat, user, *lockWait)
				switch {
				case err == nil:
					atomic.AddInt64(&wins, 1)
					winner.Store(user)
				case errors.Is(err, seats.ErrSeatUnavailable):
					atomic.AddInt64(&conflicts, 1)
				case errors.Is(err, seats.ErrLockTimeout):
					atomic.AddInt64(&timeouts, 1)
				default:
					atomic.AddInt64(&failures, 1)
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			log.Fatalf("round %d: %v", r, err)
		}

		// Free the seat so the next pass over the map starts clean.
		user, _ := winner.Load().(string)
		if user == "" {
			log.Fatalf("round %d: no caller won seat %d", r, seat)
		}
		if _, err := p.Engine.Release(ctx, flightID, seat, user); err != nil {
			log.Fatalf("round %d: release: %v", r, err)
		}
	}

	elapsed := time.Since(start)
	total := int64(*rounds) * int64(*callers)

	log.Printf("finished in %v", elapsed)
	log.Printf("reserve attempts: %d (%.2f/s)", total, float64(total)/elapsed.Seconds())
	log.Printf("wins: %d (want %d), conflicts: %d, lock timeouts: %d", wins, *rounds, conflicts, timeouts)
	if wins != int64(*rounds) {
		log.Fatalf("MUTUAL EXCLUSION VIOLATED: %d wins across %d rounds", wins, *rounds)
	}
	if failures > 0 {
		log.Printf("unexpected errors: %d", failures)
	}
}
