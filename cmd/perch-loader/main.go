// perch-loader seeds demo flight seat maps into Redis and, when a MySQL DSN
// is given, replays the confirmed bookings held in the archive table so a
// fresh store comes up with the booked seats already marked.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/perchlock/go-perch/v1/adapter"
	"github.com/perchlock/go-perch/v1/presets"
	"github.com/perchlock/go-perch/v1/seats"
)

var (
	redisAddr = flag.String("redis", "127.0.0.1:6379", "Redis address")
	mysqlDSN  = flag.String("mysql", "", "MySQL DSN of the booking archive (optional)")
	reset     = flag.Bool("reset", false, "Recreate seat maps for flights that already exist")
)

var demoFlights = []struct {
	id      string
	layout  seats.Layout
	blocked []int
}{
	{
		id: "AA123",
		layout: seats.Layout{SeatCount: 180, Classes: []seats.ClassBlock{
			{Class: "first", Count: 8},
			{Class: "business", Count: 24},
			{Class: "economy", Count: 148},
		}},
		blocked: []int{13, 14}, // crew rest row
	},
	{
		id: "BB900",
		layout: seats.Layout{SeatCount: 72, Classes: []seats.ClassBlock{
			{Class: "business", Count: 12},
			{Class: "economy", Count: 60},
		}},
	},
	{
		id:      "CC450",
		layout:  seats.Layout{SeatCount: 540},
		blocked: []int{1, 2, 3, 4},
	},
}

func main() {
	flag.Parse()

	p, err := presets.NewRedisEngine(presets.RedisOptions{Addr: *redisAddr})
	if err != nil {
		log.Fatalf("redis setup failed: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	for _, f := range demoFlights {
		if !*reset {
			if _, err := p.Engine.Snapshot(ctx, f.id); err == nil {
				log.Printf("flight %s already seeded, skipping (use -reset to recreate)", f.id)
				continue
			}
		}
		snap, err := p.Engine.CreateFlightSeating(ctx, f.id, f.layout, f.blocked)
		if err != nil {
			log.Fatalf("seed %s: %v", f.id, err)
		}
		log.Printf("seeded %s: %d seats, %d blocked", f.id, snap.Total, snap.Blocked)
	}

	if *mysqlDSN != "" {
		if err := replayArchive(ctx, p, *mysqlDSN); err != nil {
			log.Fatalf("archive replay failed: %v", err)
		}
	}
}

// replayArchive walks the MySQL archive and re-books every confirmed
// reservation whose flight was just seeded. Replays go through the normal
// reserve/confirm path so seat bits, records and the popularity board all
// line up.
func replayArchive(ctx context.Context, p *presets.Perch, dsn string) error {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return err
	}
	archive := adapter.NewGormStore[seats.Reservation](db)

	seeded := make(map[string]bool, len(demoFlights))
	for _, f := range demoFlights {
		seeded[f.id] = true
	}

	keys, err := archive.Keys(ctx)
	if err != nil {
		return err
	}
	var replayed, skipped int
	for _, key := range keys {
		res, ok, err := archive.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok || !res.Confirmed || !seeded[res.FlightID] {
			skipped++
			continue
		}
		if _, err := p.Engine.Reserve(ctx, res.FlightID, res.Seat, res.UserID, time.Second); err != nil {
			log.Printf("replay %s seat %d: %v", res.FlightID, res.Seat, err)
			skipped++
			continue
		}
		if err := p.Engine.Confirm(ctx, res.FlightID, res.Seat, res.UserID, res.BookingID); err != nil {
			log.Printf("replay confirm %s seat %d: %v", res.FlightID, res.Seat, err)
			skipped++
			continue
		}
		replayed++
	}
	log.Printf("archive replay: %d bookings restored, %d skipped", replayed, skipped)
	return nil
}
