package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/metrics"
	"github.com/mirkobrombin/go-tether/v1/namespace"
	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-tether/v1/lock")

// Manager grants, renews and releases leases. It is the only writer of the
// lease table.
type Manager struct {
	store Store
	bus   syncbus.Bus
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager returns a Manager backed by store that announces lease changes
// on bus. A nil bus disables announcements.
func NewManager(store Store, bus syncbus.Bus, opts ...Option) *Manager {
	if bus == nil {
		bus = syncbus.NoopBus{}
	}
	m := &Manager{store: store, bus: bus, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire grants owner a lease of kind op on key for ttl. Exclusive
// operations are denied, not failed, while another owner holds a live
// exclusive lease. Acquiring again as the same owner renews the lease.
func (m *Manager) Acquire(ctx context.Context, key, owner string, op Op, ttl time.Duration) (bool, error) {
	if key == "" || owner == "" || ttl <= 0 || !op.Valid() {
		return false, ErrInvalidLease
	}
	ctx, span := tracer.Start(ctx, "lock.Acquire", trace.WithAttributes(
		attribute.String("tether.context_key", key),
		attribute.String("tether.owner", owner),
		attribute.String("tether.operation", string(op)),
	))
	defer span.End()

	now := m.now()
	var (
		granted bool
		renewed bool
		lease   Lease
	)
	err := m.store.Update(ctx, key, func(leases []Lease) ([]Lease, error) {
		granted, renewed = false, false
		live := purge(leases, now)
		if op.Exclusive() {
			for _, l := range live {
				if l.Operation.Exclusive() && l.OwnerID != owner {
					return live, nil
				}
			}
		}
		for i, l := range live {
			if l.OwnerID != owner {
				continue
			}
			if l.Operation == op {
				l.ExpiresAt = now.Add(ttl)
				live[i] = l
				lease, granted, renewed = l, true, true
				return live, nil
			}
			live = append(live[:i], live[i+1:]...)
			break
		}
		id, err := uuid.GenerateUUID()
		if err != nil {
			return nil, err
		}
		lease = Lease{
			ID:         id,
			OwnerID:    owner,
			ContextKey: key,
			Operation:  op,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		granted = true
		return append(live, lease), nil
	})
	if err != nil {
		metrics.LeaseAcquireCounter.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("acquire %s lease on %q: %w", op, key, err)
	}
	span.SetAttributes(attribute.Bool("tether.granted", granted))
	if !granted {
		metrics.LeaseAcquireCounter.WithLabelValues("denied").Inc()
		return false, nil
	}
	metrics.LeaseAcquireCounter.WithLabelValues("granted").Inc()

	action := syncbus.ActionAcquired
	if renewed {
		action = syncbus.ActionRenewed
	}
	m.announce(ctx, key, owner, op, action, now)
	return true, nil
}

// Release removes owner's lease on key. Releasing a lease held by someone
// else, or no lease at all, is a no-op.
func (m *Manager) Release(ctx context.Context, key, owner string) error {
	if key == "" || owner == "" {
		return ErrInvalidLease
	}
	ctx, span := tracer.Start(ctx, "lock.Release", trace.WithAttributes(
		attribute.String("tether.context_key", key),
		attribute.String("tether.owner", owner),
	))
	defer span.End()

	now := m.now()
	var removed []Lease
	err := m.store.Update(ctx, key, func(leases []Lease) ([]Lease, error) {
		removed = removed[:0]
		kept := make([]Lease, 0, len(leases))
		for _, l := range purge(leases, now) {
			if l.OwnerID == owner {
				removed = append(removed, l)
				continue
			}
			kept = append(kept, l)
		}
		return kept, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("release lease on %q: %w", key, err)
	}
	for _, l := range removed {
		metrics.LeaseReleaseCounter.Inc()
		m.announce(ctx, key, owner, l.Operation, syncbus.ActionReleased, now)
	}
	return nil
}

// Leases returns every live lease on key, persisting the purge of expired
// ones.
func (m *Manager) Leases(ctx context.Context, key string) ([]Lease, error) {
	if key == "" {
		return nil, ErrInvalidLease
	}
	now := m.now()
	var live []Lease
	err := m.store.Update(ctx, key, func(leases []Lease) ([]Lease, error) {
		live = purge(leases, now)
		return live, nil
	})
	if err != nil {
		return nil, fmt.Errorf("read leases on %q: %w", key, err)
	}
	return append([]Lease(nil), live...), nil
}

// Status returns the live exclusive lease on key, if any.
func (m *Manager) Status(ctx context.Context, key string) (Lease, bool, error) {
	leases, err := m.Leases(ctx, key)
	if err != nil {
		return Lease{}, false, err
	}
	for _, l := range leases {
		if l.Operation.Exclusive() {
			return l, true, nil
		}
	}
	return Lease{}, false, nil
}

// Conflicts returns the live exclusive leases on key held by owners other
// than owner.
func (m *Manager) Conflicts(ctx context.Context, key, owner string) ([]Lease, error) {
	leases, err := m.Leases(ctx, key)
	if err != nil {
		return nil, err
	}
	var out []Lease
	for _, l := range leases {
		if l.Operation.Exclusive() && l.OwnerID != owner {
			out = append(out, l)
		}
	}
	return out, nil
}

// WaitAcquire polls Acquire every interval until the lease is granted or
// ctx ends, in which case it returns ErrLockTimeout. Waiters are not
// queued; whoever polls first after a release wins.
func (m *Manager) WaitAcquire(ctx context.Context, key, owner string, op Op, ttl, every time.Duration) error {
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		ok, err := m.Acquire(ctx, key, owner, op, ttl)
		if err != nil && ctx.Err() == nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %q held by another owner", tethererrors.ErrLockTimeout, key)
		case <-ticker.C:
		}
	}
}

func (m *Manager) announce(ctx context.Context, key, owner string, op Op, action syncbus.Action, at time.Time) {
	domain := namespace.Domain(key)
	evt := syncbus.Event{
		Domain:     domain,
		ContextKey: key,
		Action:     action,
		OwnerID:    owner,
		Operation:  string(op),
		Timestamp:  at,
	}
	if err := m.bus.Publish(ctx, domain, evt); err != nil {
		slog.Warn("tether: lease broadcast failed", "key", key, "action", action, "error", err)
	}
}
