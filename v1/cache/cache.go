package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-tether/v1/merge"
	"github.com/mirkobrombin/go-tether/v1/task"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-tether/v1/cache")

// Store is the local durable copy of the remote collection.
type Store interface {
	// Replace swaps the whole content for docs. On error the previous
	// content is left untouched.
	Replace(ctx context.Context, docs []task.Record) error
	// All returns every record ordered by ID.
	All(ctx context.Context) ([]task.Record, error)
	// Get returns the record with the given ID.
	Get(ctx context.Context, id string) (task.Record, bool, error)
	// ByCategory returns the records of a category ordered by ID.
	ByCategory(ctx context.Context, category string) ([]task.Record, error)
	// Since returns the records updated at or after t ordered by ID.
	Since(ctx context.Context, t time.Time) ([]task.Record, error)
}

// validate rejects record sets a Store cannot hold.
func validate(docs []task.Record) error {
	if err := (task.Snapshot{Documents: docs}).Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// InMemory is a Store kept in process memory. Replace builds a new index
// and swaps it in under the lock.
type InMemory struct {
	mu    sync.RWMutex
	byID  map[string]task.Record
	order []task.Record
}

// NewInMemory returns an empty InMemory store.
func NewInMemory() *InMemory {
	return &InMemory{byID: make(map[string]task.Record)}
}

// Replace implements Store.Replace.
func (c *InMemory) Replace(ctx context.Context, docs []task.Record) error {
	_, span := tracer.Start(ctx, "cache.InMemory.Replace", trace.WithAttributes(
		attribute.Int("tether.documents", len(docs)),
	))
	defer span.End()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(docs); err != nil {
		span.RecordError(err)
		return err
	}

	byID := make(map[string]task.Record, len(docs))
	order := make([]task.Record, 0, len(docs))
	for _, d := range docs {
		d = d.Clone()
		d.Origin = task.OriginUnknown
		byID[d.ID] = d
		order = append(order, d)
	}
	merge.SortByID(order)

	c.mu.Lock()
	c.byID = byID
	c.order = order
	c.mu.Unlock()
	return nil
}

// All implements Store.All.
func (c *InMemory) All(ctx context.Context) ([]task.Record, error) {
	return c.filter(ctx, func(task.Record) bool { return true })
}

// Get implements Store.Get.
func (c *InMemory) Get(ctx context.Context, id string) (task.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return task.Record{}, false, err
	}
	c.mu.RLock()
	r, ok := c.byID[id]
	c.mu.RUnlock()
	return r.Clone(), ok, nil
}

// ByCategory implements Store.ByCategory.
func (c *InMemory) ByCategory(ctx context.Context, category string) ([]task.Record, error) {
	return c.filter(ctx, func(r task.Record) bool { return r.Category == category })
}

// Since implements Store.Since.
func (c *InMemory) Since(ctx context.Context, t time.Time) ([]task.Record, error) {
	return c.filter(ctx, func(r task.Record) bool { return !r.UpdatedAt.Before(t) })
}

func (c *InMemory) filter(ctx context.Context, keep func(task.Record) bool) ([]task.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]task.Record, 0, len(c.order))
	for _, r := range c.order {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}
