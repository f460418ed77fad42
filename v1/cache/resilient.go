package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/task"
)

// Resilient wraps a Store, logging failures and reporting them as
// ErrStoreUnavailable so callers can tell storage faults apart from bad
// input. Cancellation is passed through unchanged.
type Resilient struct {
	inner Store
}

// NewResilient creates a new Resilient wrapper.
func NewResilient(inner Store) *Resilient {
	return &Resilient{inner: inner}
}

func (r *Resilient) wrap(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	slog.Warn("tether: local store "+op+" failed", "error", err)
	return fmt.Errorf("%w: %s: %w", tethererrors.ErrStoreUnavailable, op, err)
}

// Replace implements Store.Replace.
func (r *Resilient) Replace(ctx context.Context, docs []task.Record) error {
	return r.wrap("replace", r.inner.Replace(ctx, docs))
}

// All implements Store.All.
func (r *Resilient) All(ctx context.Context) ([]task.Record, error) {
	out, err := r.inner.All(ctx)
	return out, r.wrap("read", err)
}

// Get implements Store.Get.
func (r *Resilient) Get(ctx context.Context, id string) (task.Record, bool, error) {
	rec, ok, err := r.inner.Get(ctx, id)
	return rec, ok, r.wrap("get", err)
}

// ByCategory implements Store.ByCategory.
func (r *Resilient) ByCategory(ctx context.Context, category string) ([]task.Record, error) {
	out, err := r.inner.ByCategory(ctx, category)
	return out, r.wrap("read", err)
}

// Since implements Store.Since.
func (r *Resilient) Since(ctx context.Context, t time.Time) ([]task.Record, error) {
	out, err := r.inner.Since(ctx, t)
	return out, r.wrap("read", err)
}
