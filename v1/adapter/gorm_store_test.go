package adapter_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/perchlock/go-perch/v1/adapter"
	"github.com/perchlock/go-perch/v1/cache"
	percherrors "github.com/perchlock/go-perch/v1/errors"
)

// openSQLite opens a throwaway database file. A file, not :memory:, because
// the connection pool would hand each connection its own empty memory
// database.
func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "archive.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	return db
}

func openGormStore[T any](t *testing.T, opts ...adapter.GormOption[T]) *adapter.GormStore[T] {
	t.Helper()
	return adapter.NewGormStore[T](openSQLite(t), opts...)
}

func TestGormStoreArchiveRoundTrip(t *testing.T) {
	s := openGormStore[archivedBooking](t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "bk-404"); err != nil || ok {
		t.Fatalf("Get on empty archive: ok=%v err=%v", ok, err)
	}

	in := archivedBooking{
		BookingID: "bk-1",
		FlightID:  "AA123",
		Seat:      12,
		UserID:    "u-7",
		BookedAt:  time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := s.Set(ctx, in.BookingID, in); err != nil {
		t.Fatalf("Set: %v", err)
	}
	out, ok, err := s.Get(ctx, "bk-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "bk-1" {
		t.Fatalf("Keys = %v, want [bk-1]", keys)
	}
}

func TestGormStoreUpsert(t *testing.T) {
	s := openGormStore[archivedBooking](t)
	ctx := context.Background()

	first := archivedBooking{BookingID: "bk-1", FlightID: "AA123", Seat: 12}
	if err := s.Set(ctx, "bk-1", first); err != nil {
		t.Fatalf("Set: %v", err)
	}
	moved := first
	moved.Seat = 14
	if err := s.Set(ctx, "bk-1", moved); err != nil {
		t.Fatalf("Set again: %v", err)
	}

	out, ok, _ := s.Get(ctx, "bk-1")
	if !ok || out.Seat != 14 {
		t.Fatalf("upsert lost the rewrite: %+v ok=%v", out, ok)
	}
	if keys, _ := s.Keys(ctx); len(keys) != 1 {
		t.Fatalf("duplicate rows after upsert: %v", keys)
	}
}

func TestGormStoreSnappyCodec(t *testing.T) {
	s := openGormStore[archivedBooking](t,
		adapter.WithGormCodec[archivedBooking](cache.SnappyCodec[archivedBooking]{}))
	ctx := context.Background()

	in := archivedBooking{BookingID: "bk-2", FlightID: "AA123", Seat: 14, UserID: "u-9"}
	if err := s.Set(ctx, in.BookingID, in); err != nil {
		t.Fatalf("Set: %v", err)
	}
	out, ok, err := s.Get(ctx, "bk-2")
	if err != nil || !ok || out != in {
		t.Fatalf("round trip mismatch: %+v ok=%v err=%v", out, ok, err)
	}
}

func TestGormStoreBatchCommit(t *testing.T) {
	s := openGormStore[archivedBooking](t)
	ctx := context.Background()

	if err := s.Set(ctx, "bk-cancelled", archivedBooking{BookingID: "bk-cancelled"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	b, err := s.Batch(ctx)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	for _, id := range []string{"bk-1", "bk-2"} {
		if err := b.Set(ctx, id, archivedBooking{BookingID: id, FlightID: "BB900"}); err != nil {
			t.Fatalf("stage %s: %v", id, err)
		}
	}
	if err := b.Delete(ctx, "bk-cancelled"); err != nil {
		t.Fatalf("stage delete: %v", err)
	}
	if err := b.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for _, id := range []string{"bk-1", "bk-2"} {
		if out, ok, _ := s.Get(ctx, id); !ok || out.FlightID != "BB900" {
			t.Fatalf("%s missing after commit: %+v ok=%v", id, out, ok)
		}
	}
	if _, ok, _ := s.Get(ctx, "bk-cancelled"); ok {
		t.Fatal("bk-cancelled survived its delete")
	}
}

func TestGormStoreBatchLastOpWins(t *testing.T) {
	s := openGormStore[string](t)
	ctx := context.Background()

	if err := s.Set(ctx, "bk-revived", "old"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	b, err := s.Batch(ctx)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	// bk-ghost is staged and retracted; bk-revived is retracted and restaged.
	if err := b.Set(ctx, "bk-ghost", "v"); err != nil {
		t.Fatalf("stage set: %v", err)
	}
	if err := b.Delete(ctx, "bk-ghost"); err != nil {
		t.Fatalf("stage delete: %v", err)
	}
	if err := b.Delete(ctx, "bk-revived"); err != nil {
		t.Fatalf("stage delete: %v", err)
	}
	if err := b.Set(ctx, "bk-revived", "new"); err != nil {
		t.Fatalf("stage set: %v", err)
	}
	if err := b.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, ok, _ := s.Get(ctx, "bk-ghost"); ok {
		t.Fatal("bk-ghost written despite its later delete")
	}
	if v, ok, _ := s.Get(ctx, "bk-revived"); !ok || v != "new" {
		t.Fatalf("bk-revived = %q ok=%v, want new", v, ok)
	}
}

func TestGormStoreBatchChunks(t *testing.T) {
	s := openGormStore[string](t)
	ctx := context.Background()

	b, err := s.Batch(ctx)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	// Three chunks at the upsert batch size of 100.
	const n = 250
	for i := 0; i < n; i++ {
		if err := b.Set(ctx, fmt.Sprintf("bk-%03d", i), fmt.Sprintf("AA123/%d", i)); err != nil {
			t.Fatalf("stage %d: %v", i, err)
		}
	}
	if err := b.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != n {
		t.Fatalf("archive holds %d rows, want %d", len(keys), n)
	}
	if v, ok, _ := s.Get(ctx, "bk-249"); !ok || v != "AA123/249" {
		t.Fatalf("bk-249 = %q ok=%v", v, ok)
	}
}

func TestGormStoreLongKeys(t *testing.T) {
	s := openGormStore[string](t)
	ctx := context.Background()

	// Booking references minted by upstream reservation systems can be long.
	key := "bk-" + strings.Repeat("x", 1000)
	if err := s.Set(ctx, key, "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := s.Get(ctx, key); err != nil || !ok || v != "v" {
		t.Fatalf("Get long key: %q ok=%v err=%v", v, ok, err)
	}
}

func TestGormStoreCustomTable(t *testing.T) {
	db := openSQLite(t)
	s := adapter.NewGormStore[string](db, adapter.WithGormTableName[string]("flight_archive"))
	ctx := context.Background()

	if err := s.Set(ctx, "bk-1", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !db.Migrator().HasTable("flight_archive") {
		t.Fatal("flight_archive table missing")
	}
	if db.Migrator().HasTable("perch_kv") {
		t.Fatal("default table created despite custom name")
	}
}

func TestGormStoreSharedTable(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	writer := adapter.NewGormStore[archivedBooking](db)
	if err := writer.Set(ctx, "bk-1", archivedBooking{BookingID: "bk-1", Seat: 3}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// A second store over the same connection reads existing rows, the way
	// the loader replays an archive the engine wrote.
	reader := adapter.NewGormStore[archivedBooking](db)
	out, ok, err := reader.Get(ctx, "bk-1")
	if err != nil || !ok || out.Seat != 3 {
		t.Fatalf("Get via second store: %+v ok=%v err=%v", out, ok, err)
	}
}

func TestGormStoreExpiredContext(t *testing.T) {
	s := openGormStore[string](t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	if err := s.Set(ctx, "bk-1", "v"); !errors.Is(err, percherrors.ErrTimeout) {
		t.Fatalf("Set with expired context: %v, want ErrTimeout", err)
	}
}

// TestGormStoreMySQL runs against a real MySQL server when
// PERCH_TEST_MYSQL_DSN is set, e.g.
// "perch:perch@tcp(127.0.0.1:3306)/perch?parseTime=true".
func TestGormStoreMySQL(t *testing.T) {
	dsn := os.Getenv("PERCH_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("PERCH_TEST_MYSQL_DSN not set")
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("mysql open: %v", err)
	}
	table := "perch_kv_test"
	_ = db.Migrator().DropTable(table)
	t.Cleanup(func() { _ = db.Migrator().DropTable(table) })

	s := adapter.NewGormStore[archivedBooking](db, adapter.WithGormTableName[archivedBooking](table))
	ctx := context.Background()

	in := archivedBooking{BookingID: "bk-mysql", FlightID: "AA123", Seat: 1, UserID: "u-1"}
	if err := s.Set(ctx, in.BookingID, in); err != nil {
		t.Fatalf("Set: %v", err)
	}
	out, ok, err := s.Get(ctx, in.BookingID)
	if err != nil || !ok || out != in {
		t.Fatalf("round trip mismatch: %+v ok=%v err=%v", out, ok, err)
	}
}
