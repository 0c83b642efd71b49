package adapter

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/perchlock/go-perch/v1/cache"
	percherrors "github.com/perchlock/go-perch/v1/errors"
)

const (
	defaultArchiveTable = "perch_kv"
	defaultGormTimeout  = 5 * time.Second

	// upsertChunkSize keeps a single INSERT under backend parameter limits.
	upsertChunkSize = 100
)

// archiveRow is the table shape shared by every GORM backend. Values are
// opaque codec output, so one table serves any archived type.
type archiveRow struct {
	Key   string `gorm:"primaryKey;column:key_id"`
	Value []byte `gorm:"column:value"`
}

// GormStore implements Store on any GORM-supported database. The booking
// archive uses it with MySQL in production and SQLite in tests.
type GormStore[T any] struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
	codec     cache.Codec[T]
}

// GormOption configures a GormStore.
type GormOption[T any] func(*GormStore[T])

// WithGormTableName sets the table name (default "perch_kv").
func WithGormTableName[T any](name string) GormOption[T] {
	return func(s *GormStore[T]) {
		if name != "" {
			s.tableName = name
		}
	}
}

// WithGormTimeout sets the per-operation timeout for database calls.
func WithGormTimeout[T any](d time.Duration) GormOption[T] {
	return func(s *GormStore[T]) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithGormCodec sets the value codec (default gob).
func WithGormCodec[T any](c cache.Codec[T]) GormOption[T] {
	return func(s *GormStore[T]) {
		if c != nil {
			s.codec = c
		}
	}
}

// NewGormStore returns a GormStore over db, creating its table if missing.
func NewGormStore[T any](db *gorm.DB, opts ...GormOption[T]) *GormStore[T] {
	s := &GormStore[T]{
		db:        db,
		tableName: defaultArchiveTable,
		timeout:   defaultGormTimeout,
		codec:     cache.GobCodec[T]{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if !db.Migrator().HasTable(s.tableName) {
		_ = db.Table(s.tableName).AutoMigrate(&archiveRow{})
	}
	return s
}

// opCtx bounds a single database call.
func (s *GormStore[T]) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// upsertClause makes Create behave as insert-or-replace on the key column.
func upsertClause() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "key_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}
}

func mapGormErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return percherrors.ErrTimeout
	}
	return err
}

// Get implements Store.Get. A missing row is reported as absent, not as an
// error.
func (s *GormStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, mapGormErr(err)
	}

	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row archiveRow
	err := s.db.WithContext(cctx).Table(s.tableName).Take(&row, "key_id = ?", key).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return zero, false, nil
	case err != nil:
		return zero, false, mapGormErr(err)
	}

	v, err := s.codec.Decode(row.Value)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set implements Store.Set as an upsert.
func (s *GormStore[T]) Set(ctx context.Context, key string, value T) error {
	if err := ctx.Err(); err != nil {
		return mapGormErr(err)
	}

	data, err := s.codec.Encode(value)
	if err != nil {
		return err
	}

	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := archiveRow{Key: key, Value: data}
	return mapGormErr(s.db.WithContext(cctx).Table(s.tableName).Clauses(upsertClause()).Create(&row).Error)
}

// Keys implements Store.Keys in key order, so replay jobs walk the archive
// deterministically.
func (s *GormStore[T]) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapGormErr(err)
	}

	cctx, cancel := s.opCtx(ctx)
	defer cancel()

	var keys []string
	if err := s.db.WithContext(cctx).Table(s.tableName).Order("key_id").Pluck("key_id", &keys).Error; err != nil {
		return nil, mapGormErr(err)
	}
	return keys, nil
}

// Batch implements Batcher.Batch. Staged operations apply in one
// transaction at commit, and the last operation staged for a key decides
// its fate, matching the other backends.
func (s *GormStore[T]) Batch(ctx context.Context) (Batch[T], error) {
	return &gormBatch[T]{store: s}, nil
}

// gormOp is one staged batch operation.
type gormOp struct {
	key  string
	data []byte
	del  bool
}

type gormBatch[T any] struct {
	store *GormStore[T]
	ops   []gormOp
}

// Set encodes eagerly so a bad value surfaces when staged, not at commit.
func (b *gormBatch[T]) Set(ctx context.Context, key string, value T) error {
	data, err := b.store.codec.Encode(value)
	if err != nil {
		return err
	}
	b.ops = append(b.ops, gormOp{key: key, data: data})
	return nil
}

func (b *gormBatch[T]) Delete(ctx context.Context, key string) error {
	b.ops = append(b.ops, gormOp{key: key, del: true})
	return nil
}

func (b *gormBatch[T]) Commit(ctx context.Context) error {
	// Replay the log so later operations on a key shadow earlier ones,
	// then split the survivors into deletes and upserts.
	final := make(map[string]gormOp, len(b.ops))
	for _, op := range b.ops {
		final[op.key] = op
	}
	b.ops = nil

	if err := ctx.Err(); err != nil {
		return mapGormErr(err)
	}

	var gone []string
	rows := make([]archiveRow, 0, len(final))
	for key, op := range final {
		if op.del {
			gone = append(gone, key)
			continue
		}
		rows = append(rows, archiveRow{Key: key, Value: op.data})
	}

	cctx, cancel := b.store.opCtx(ctx)
	defer cancel()

	err := b.store.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		if len(gone) > 0 {
			if err := tx.Table(b.store.tableName).Delete(&archiveRow{}, "key_id IN ?", gone).Error; err != nil {
				return err
			}
		}
		if len(rows) == 0 {
			return nil
		}
		// Chunked upsert keeps each statement under parameter limits.
		return tx.Table(b.store.tableName).Clauses(upsertClause()).CreateInBatches(rows, upsertChunkSize).Error
	})
	return mapGormErr(err)
}
