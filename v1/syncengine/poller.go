package syncengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-tether/v1/task"
)

// DefaultPollInterval is used when NewPoller gets a non-positive interval.
const DefaultPollInterval = 30 * time.Second

// Source yields remote snapshots. *docstore.Client implements it.
type Source interface {
	Snapshot(ctx context.Context) (task.Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (task.Snapshot, error)

// Snapshot implements Source.
func (f SourceFunc) Snapshot(ctx context.Context) (task.Snapshot, error) { return f(ctx) }

// Applier receives polled snapshots. *Engine implements it.
type Applier interface {
	Apply(ctx context.Context, snap task.Snapshot) error
}

// Poller fetches snapshots on a fixed interval. It is the fallback path
// when the push channel is unavailable.
type Poller struct {
	src      Source
	interval time.Duration
	keep     func(task.Record) bool
}

// NewPoller returns a Poller reading src every interval and keeping the
// records accepted by keep. A nil keep keeps everything.
func NewPoller(src Source, interval time.Duration, keep func(task.Record) bool) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{src: src, interval: interval, keep: keep}
}

// Poll fetches one snapshot and hands it to dst.
func (p *Poller) Poll(ctx context.Context, dst Applier) error {
	snap, err := p.src.Snapshot(ctx)
	if err != nil {
		return err
	}
	docs := task.Filter(snap.Documents, p.keep)
	return dst.Apply(ctx, task.NewSnapshot(docs, snap.Metadata.SourceTag, snap.Metadata.LastSyncedAt))
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context, dst Applier) {
	slog.Info("tether: fallback polling started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.Poll(ctx, dst); err != nil && ctx.Err() == nil {
			slog.Warn("tether: fallback poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
