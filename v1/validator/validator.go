// Package validator audits the local cache against the remote document
// store and optionally heals the drift it finds.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-tether/v1/cache"
	"github.com/mirkobrombin/go-tether/v1/metrics"
	"github.com/mirkobrombin/go-tether/v1/task"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	ModeAutoHeal
)

// ParseMode maps "noop", "alert" and "autoheal" to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "noop", "":
		return ModeNoop, true
	case "alert":
		return ModeAlert, true
	case "autoheal", "auto_heal":
		return ModeAutoHeal, true
	}
	return ModeNoop, false
}

// Remote yields the authoritative snapshot. *docstore.Client implements it.
type Remote interface {
	Snapshot(ctx context.Context) (task.Snapshot, error)
}

// Healer re-applies a remote snapshot. *syncengine.Engine implements it.
type Healer interface {
	Apply(ctx context.Context, snap task.Snapshot) error
}

// Report lists the ids found drifting in one scan.
type Report struct {
	Missing []string // remote only
	Extra   []string // cache only
	Changed []string // different content
}

// Drift returns the number of drifting records.
func (r Report) Drift() int {
	return len(r.Missing) + len(r.Extra) + len(r.Changed)
}

// Validator periodically compares cached records with the remote store by
// per-record digest.
type Validator struct {
	cache      cache.Store
	remote     Remote
	healer     Healer
	keep       func(task.Record) bool
	mode       Mode
	interval   time.Duration
	mismatches atomic.Uint64
}

// Option configures a Validator.
type Option func(*Validator)

// WithFilter restricts the remote snapshot to the records the cache holds.
func WithFilter(keep func(task.Record) bool) Option {
	return func(v *Validator) { v.keep = keep }
}

// New creates a new Validator. healer may be nil unless mode is ModeAutoHeal.
func New(c cache.Store, remote Remote, healer Healer, mode Mode, interval time.Duration, opts ...Option) *Validator {
	v := &Validator{cache: c, remote: remote, healer: healer, mode: mode, interval: interval}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Run starts the validation loop.
func (v *Validator) Run(ctx context.Context) {
	if v.remote == nil || v.mode == ModeNoop {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Scan(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("tether: drift scan failed", "error", err)
			}
		}
	}
}

// Scan compares the cache with one remote snapshot. In ModeAutoHeal a
// drifting cache is replaced with the remote snapshot.
func (v *Validator) Scan(ctx context.Context) (Report, error) {
	snap, err := v.remote.Snapshot(ctx)
	if err != nil {
		return Report{}, err
	}
	remote := task.Filter(snap.Documents, v.keep)
	local, err := v.cache.All(ctx)
	if err != nil {
		return Report{}, err
	}

	cached := make(map[string]string, len(local))
	for _, r := range local {
		cached[r.ID] = digest(r)
	}
	var rep Report
	for _, r := range remote {
		d, ok := cached[r.ID]
		switch {
		case !ok:
			rep.Missing = append(rep.Missing, r.ID)
		case d != digest(r):
			rep.Changed = append(rep.Changed, r.ID)
		}
		delete(cached, r.ID)
	}
	for id := range cached {
		rep.Extra = append(rep.Extra, id)
	}
	sort.Strings(rep.Extra)

	n := rep.Drift()
	if n == 0 {
		return rep, nil
	}
	v.mismatches.Add(uint64(n))
	metrics.DriftCounter.Add(float64(n))
	slog.Warn("tether: cache drift detected",
		"missing", len(rep.Missing), "extra", len(rep.Extra), "changed", len(rep.Changed))

	if v.mode == ModeAutoHeal && v.healer != nil {
		healed := task.NewSnapshot(remote, snap.Metadata.SourceTag, snap.Metadata.LastSyncedAt)
		if err := v.healer.Apply(ctx, healed); err != nil {
			return rep, err
		}
		slog.Info("tether: cache healed", "documents", len(remote))
	}
	return rep, nil
}

// Metrics returns number of mismatches detected.
func (v *Validator) Metrics() uint64 {
	return v.mismatches.Load()
}

// digest covers the fields a sync can change. Origin is merge-local and
// left out.
func digest(r task.Record) string {
	r.Origin = task.OriginUnknown
	r.UpdatedAt = r.UpdatedAt.UTC()
	data, _ := json.Marshal(r)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
