package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/merge"
	"github.com/mirkobrombin/go-tether/v1/metrics"
	"github.com/mirkobrombin/go-tether/v1/task"
	"github.com/mirkobrombin/go-tether/v1/watchbus"
)

// Apply makes snap the new local truth. Staged local writes are merged in,
// the cache is replaced as a whole and observers are notified. On failure
// the previous cache content is left untouched.
func (e *Engine) Apply(ctx context.Context, snap task.Snapshot) error {
	ctx, span := tracer.Start(ctx, "syncengine.Apply", trace.WithAttributes(
		attribute.Int("tether.documents", len(snap.Documents)),
		attribute.String("tether.source", snap.Metadata.SourceTag),
	))
	defer span.End()

	fail := func(err error) error {
		metrics.SyncApplyCounter.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.report(err)
		return err
	}

	if err := snap.Validate(); err != nil {
		metrics.MalformedMessageCounter.Inc()
		return fail(fmt.Errorf("%w: %w", tethererrors.ErrMalformedMessage, err))
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	docs := snap.Documents
	if len(e.staged) > 0 {
		docs = merge.Merge(e.stagedRecords(), snap.Documents, e.mergeOpts...)
	}
	if err := e.store.Replace(ctx, docs); err != nil {
		slog.Error("tether: applying snapshot failed", "documents", len(docs), "error", err)
		return fail(storeErr(err))
	}
	e.ack(snap.Documents)

	at := snap.Metadata.LastSyncedAt
	if at.IsZero() {
		at = e.now()
	}
	e.mu.Lock()
	e.syncCount++
	e.lastSynced = at
	count := e.syncCount
	e.mu.Unlock()
	metrics.SyncApplyCounter.WithLabelValues("ok").Inc()
	slog.Debug("tether: snapshot applied", "documents", len(docs), "sync", count)

	applied := task.NewSnapshot(docs, snap.Metadata.SourceTag, at)
	e.invalidate(ctx, applied, count)
	if e.onSync != nil {
		e.onSync(applied)
	}
	return nil
}

// Commit stages local writes and persists them merged with the cached
// remote truth. Staged records survive later snapshots until the remote
// side carries a version at least as new.
func (e *Engine) Commit(ctx context.Context, local []task.Record) error {
	if err := (task.Snapshot{Documents: local}).Validate(); err != nil {
		return err
	}
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	current, err := e.store.All(ctx)
	if err != nil {
		return storeErr(err)
	}
	prev := make(map[string]*task.Record, len(local))
	for _, r := range local {
		if _, seen := prev[r.ID]; !seen {
			if old, ok := e.staged[r.ID]; ok {
				prev[r.ID] = &old
			} else {
				prev[r.ID] = nil
			}
		}
		e.staged[r.ID] = r.Clone()
	}
	docs := merge.Merge(e.stagedRecords(), current, e.mergeOpts...)
	if err := e.store.Replace(ctx, docs); err != nil {
		// a failed commit leaves the staged set as it was
		for id, old := range prev {
			if old == nil {
				delete(e.staged, id)
			} else {
				e.staged[id] = *old
			}
		}
		err = storeErr(err)
		e.report(err)
		return err
	}

	e.mu.Lock()
	count := e.syncCount
	e.mu.Unlock()
	e.invalidate(ctx, task.NewSnapshot(docs, "local", e.now()), count)
	return nil
}

// Staged returns the local writes not yet acknowledged by the remote side.
func (e *Engine) Staged() []task.Record {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	return e.stagedRecords()
}

func (e *Engine) stagedRecords() []task.Record {
	out := make([]task.Record, 0, len(e.staged))
	for _, r := range e.staged {
		out = append(out, r.Clone())
	}
	merge.SortByID(out)
	return out
}

// ack drops staged records the remote snapshot already carries at the same
// or a newer version.
func (e *Engine) ack(remote []task.Record) {
	for _, r := range remote {
		if s, ok := e.staged[r.ID]; ok && !s.UpdatedAt.After(r.UpdatedAt) {
			delete(e.staged, r.ID)
		}
	}
}

func (e *Engine) invalidate(ctx context.Context, snap task.Snapshot, count uint64) {
	if e.watch == nil {
		return
	}
	inv := watchbus.Invalidation{
		Key:       watchbus.CacheKey(e.cfg.ContextKey),
		SyncCount: count,
		Total:     snap.Metadata.Total,
		Source:    snap.Metadata.SourceTag,
		At:        snap.Metadata.LastSyncedAt,
	}
	if err := watchbus.PublishInvalidation(ctx, e.watch, inv); err != nil {
		slog.Warn("tether: cache invalidation not published", "key", inv.Key, "error", err)
	}
}

func storeErr(err error) error {
	if errors.Is(err, tethererrors.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", tethererrors.ErrStoreUnavailable, err)
}
