// Package merge reconciles a context's local task records with the remote
// collection. Remote state seeds the result; local records only replace a
// remote record when the configured Strategy says so.
package merge

import (
	"sort"
	"strings"

	"github.com/mirkobrombin/go-tether/v1/namespace"
	"github.com/mirkobrombin/go-tether/v1/task"
)

// Strategy decides which version of a record present on both sides is kept.
type Strategy interface {
	Resolve(remote, local task.Record) task.Record
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(remote, local task.Record) task.Record

// Resolve implements Strategy.
func (f StrategyFunc) Resolve(remote, local task.Record) task.Record { return f(remote, local) }

// LastWriteWins keeps the local record only when it was updated strictly
// after the remote one. Ties go to the remote record.
type LastWriteWins struct{}

// Resolve implements Strategy.
func (LastWriteWins) Resolve(remote, local task.Record) task.Record {
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return local
	}
	return remote
}

// KeepRemote always keeps the remote record. Local-only records still
// survive the merge.
type KeepRemote struct{}

// Resolve implements Strategy.
func (KeepRemote) Resolve(remote, _ task.Record) task.Record { return remote }

// StrategyFor maps a project's conflict resolution preference to a Strategy.
func StrategyFor(r namespace.Resolution) Strategy {
	if r == namespace.ResolveManual {
		return KeepRemote{}
	}
	return LastWriteWins{}
}

type options struct {
	strategy   Strategy
	byCategory map[string]Strategy
}

// Option configures Merge.
type Option func(*options)

// WithStrategy replaces the default LastWriteWins strategy.
func WithStrategy(s Strategy) Option {
	return func(o *options) {
		if s != nil {
			o.strategy = s
		}
	}
}

// WithCategoryStrategy uses s for records whose remote category is category.
func WithCategoryStrategy(category string, s Strategy) Option {
	return func(o *options) {
		if o.byCategory == nil {
			o.byCategory = make(map[string]Strategy)
		}
		o.byCategory[category] = s
	}
}

// Merge combines local and remote records by ID. Every record is tagged
// with its Origin. The result is sorted by ID and shares no memory with
// the inputs.
func Merge(local, remote []task.Record, opts ...Option) []task.Record {
	o := options{strategy: LastWriteWins{}}
	for _, opt := range opts {
		opt(&o)
	}

	merged := make(map[string]task.Record, len(remote)+len(local))
	for _, r := range remote {
		r = r.Clone()
		r.Origin = task.OriginRemote
		merged[r.ID] = r
	}
	for _, l := range local {
		l = l.Clone()
		l.Origin = task.OriginLocal
		existing, ok := merged[l.ID]
		if !ok {
			merged[l.ID] = l
			continue
		}
		s := o.strategy
		if cs, ok := o.byCategory[existing.Category]; ok {
			s = cs
		}
		merged[l.ID] = s.Resolve(existing, l)
	}

	out := make([]task.Record, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	SortByID(out)
	return out
}

// SortByID orders records by ID: numeric IDs numerically and before any
// non-numeric ID, the rest lexicographically.
func SortByID(records []task.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return lessID(records[i], records[j])
	})
}

func lessID(a, b task.Record) bool {
	an, aok := a.NumericID()
	bn, bok := b.NumericID()
	switch {
	case aok && bok:
		if an != bn {
			return an < bn
		}
		return a.ID < b.ID
	case aok:
		return true
	case bok:
		return false
	}
	return strings.Compare(a.ID, b.ID) < 0
}

// Report describes how a working copy diverged from the last saved copy.
type Report struct {
	Added      []string
	Removed    []string
	Resolution []task.Record
}

// Conflict reports whether records were added or removed.
func (r Report) Conflict() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// Detect compares the ID sets of current and saved. When they differ the
// report carries the automatic resolution: saved treated as remote truth,
// current as local changes.
func Detect(current, saved []task.Record, opts ...Option) Report {
	currentIDs := make(map[string]struct{}, len(current))
	for _, r := range current {
		currentIDs[r.ID] = struct{}{}
	}
	savedIDs := make(map[string]struct{}, len(saved))
	for _, r := range saved {
		savedIDs[r.ID] = struct{}{}
	}

	var rep Report
	for _, r := range current {
		if _, ok := savedIDs[r.ID]; !ok {
			rep.Added = append(rep.Added, r.ID)
		}
	}
	for _, r := range saved {
		if _, ok := currentIDs[r.ID]; !ok {
			rep.Removed = append(rep.Removed, r.ID)
		}
	}
	if rep.Conflict() {
		rep.Resolution = Merge(current, saved, opts...)
	}
	return rep
}
