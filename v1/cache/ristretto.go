package cache

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/mirkobrombin/go-tether/v1/task"
)

// Ristretto fronts a Store with a ristretto cache for point reads. The
// cache is cleared after every successful Replace.
type Ristretto struct {
	inner Store
	c     *ristretto.Cache
	mu    sync.RWMutex
}

// RistrettoOption configures the underlying ristretto cache.
type RistrettoOption func(*ristretto.Config)

// WithRistretto applies a custom ristretto configuration.
//
// If cfg is nil, defaults are used.
func WithRistretto(cfg *ristretto.Config) RistrettoOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// NewRistretto returns a Store that serves Get from ristretto and
// delegates everything else to inner.
func NewRistretto(inner Store, opts ...RistrettoOption) (*Ristretto, error) {
	cfg := &ristretto.Config{
		NumCounters: 1e4,     // number of keys to track frequency of (10k).
		MaxCost:     1 << 14, // maximum number of cached records.
		BufferItems: 64,      // number of keys per Get buffer.
	}
	for _, opt := range opts {
		opt(cfg)
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}
	return &Ristretto{inner: inner, c: rc}, nil
}

// Replace implements Store.Replace.
func (r *Ristretto) Replace(ctx context.Context, docs []task.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.inner.Replace(ctx, docs); err != nil {
		return err
	}
	r.c.Clear()
	return nil
}

// Get implements Store.Get.
func (r *Ristretto) Get(ctx context.Context, id string) (task.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return task.Record{}, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.c.Get(id); ok {
		if rec, ok := v.(task.Record); ok {
			return rec.Clone(), true, nil
		}
	}
	rec, ok, err := r.inner.Get(ctx, id)
	if err != nil || !ok {
		return rec, ok, err
	}
	r.c.Set(id, rec.Clone(), 1)
	r.c.Wait()
	return rec, true, nil
}

// All implements Store.All.
func (r *Ristretto) All(ctx context.Context) ([]task.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inner.All(ctx)
}

// ByCategory implements Store.ByCategory.
func (r *Ristretto) ByCategory(ctx context.Context, category string) ([]task.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inner.ByCategory(ctx, category)
}

// Since implements Store.Since.
func (r *Ristretto) Since(ctx context.Context, t time.Time) ([]task.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inner.Since(ctx, t)
}

// Close releases resources held by the cache.
func (r *Ristretto) Close() {
	r.c.Close()
}
