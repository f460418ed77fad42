package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/merge"
	"github.com/mirkobrombin/go-tether/v1/task"
)

const (
	defaultGormTableName = "tether_documents"
	defaultGormOpTimeout = 5 * time.Second
	gormBatchSize        = 100
)

// gormDocument is the row stored per record. Category and ModifiedAt are
// copied out of the body so they can be indexed.
type gormDocument struct {
	ID         string    `gorm:"primaryKey;column:id"`
	Category   string    `gorm:"index;column:category"`
	ModifiedAt time.Time `gorm:"index;column:updated_at"`
	Body       []byte    `gorm:"column:body"`
}

// GormStore implements Store on any GORM dialect. Replace runs inside a
// single transaction.
type GormStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
	codec     Codec
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
	codec     Codec
}

// WithGormTableName sets the table name for the GormStore.
func WithGormTableName(name string) GormOption {
	return func(o *gormStoreOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// WithGormCodec sets the codec used for record bodies.
func WithGormCodec(c Codec) GormOption {
	return func(o *gormStoreOptions) {
		o.codec = c
	}
}

// NewGormStore returns a GormStore using db, creating its table if needed.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
		codec:     JSONCodec{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := db.Table(o.tableName).AutoMigrate(&gormDocument{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", o.tableName, err)
	}
	return &GormStore{
		db:        db,
		tableName: o.tableName,
		timeout:   o.timeout,
		codec:     o.codec,
	}, nil
}

func mapGormErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return tethererrors.ErrTimeout
	}
	return err
}

// Replace implements Store.Replace.
func (s *GormStore) Replace(ctx context.Context, docs []task.Record) error {
	ctx, span := tracer.Start(ctx, "cache.GormStore.Replace")
	defer span.End()
	if err := validate(docs); err != nil {
		return err
	}
	rows := make([]gormDocument, 0, len(docs))
	for _, d := range docs {
		body, err := s.codec.Encode(d)
		if err != nil {
			return fmt.Errorf("encode %q: %w", d.ID, err)
		}
		rows = append(rows, gormDocument{
			ID:         d.ID,
			Category:   d.Category,
			ModifiedAt: d.UpdatedAt.UTC(),
			Body:       body,
		})
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(s.tableName).Where("1 = 1").Delete(&gormDocument{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Table(s.tableName).CreateInBatches(rows, gormBatchSize).Error
	})
	if err != nil {
		span.RecordError(err)
		return mapGormErr(err)
	}
	return nil
}

// All implements Store.All.
func (s *GormStore) All(ctx context.Context) ([]task.Record, error) {
	return s.query(ctx, func(db *gorm.DB) *gorm.DB { return db })
}

// Get implements Store.Get.
func (s *GormStore) Get(ctx context.Context, id string) (task.Record, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row gormDocument
	err := s.db.WithContext(cctx).Table(s.tableName).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return task.Record{}, false, nil
	}
	if err != nil {
		return task.Record{}, false, mapGormErr(err)
	}
	r, err := s.codec.Decode(row.Body)
	if err != nil {
		return task.Record{}, false, fmt.Errorf("decode %q: %w", id, err)
	}
	return r, true, nil
}

// ByCategory implements Store.ByCategory.
func (s *GormStore) ByCategory(ctx context.Context, category string) ([]task.Record, error) {
	return s.query(ctx, func(db *gorm.DB) *gorm.DB { return db.Where("category = ?", category) })
}

// Since implements Store.Since.
func (s *GormStore) Since(ctx context.Context, t time.Time) ([]task.Record, error) {
	return s.query(ctx, func(db *gorm.DB) *gorm.DB { return db.Where("updated_at >= ?", t.UTC()) })
}

func (s *GormStore) query(ctx context.Context, scope func(*gorm.DB) *gorm.DB) ([]task.Record, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []gormDocument
	if err := scope(s.db.WithContext(cctx).Table(s.tableName)).Find(&rows).Error; err != nil {
		return nil, mapGormErr(err)
	}
	out := make([]task.Record, 0, len(rows))
	for _, row := range rows {
		r, err := s.codec.Decode(row.Body)
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", row.ID, err)
		}
		out = append(out, r)
	}
	merge.SortByID(out)
	return out, nil
}
