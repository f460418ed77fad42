package syncbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Publish while the breaker rejects events.
var ErrCircuitOpen = errors.New("tether: bus circuit open")

// BreakerState is the position of a CircuitBreakerBus.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerBus stops publishing to a remote bus after threshold
// consecutive failures and lets a single trial call through once timeout has
// passed. Lease broadcasts are best effort: while open, callers get
// ErrCircuitOpen immediately instead of waiting on a dead broker.
// Subscriptions are passed through untouched.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	timeout   time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trialing bool
}

// NewCircuitBreaker wraps bus. A threshold below 1 is treated as 1.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

// State returns the current position, reporting an open breaker whose
// timeout elapsed as half-open.
func (cb *CircuitBreakerBus) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.timeout {
		return BreakerHalfOpen
	}
	return cb.state
}

// IsHealthy reports whether Publish would currently reach the bus.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	return cb.State() != BreakerOpen
}

func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) <= cb.timeout {
			return false
		}
		cb.state = BreakerHalfOpen
	}
	// one trial call at a time
	if cb.trialing {
		return false
	}
	cb.trialing = true
	return true
}

func (cb *CircuitBreakerBus) record(err error) {
	cb.mu.Lock()
	prev := cb.state
	cb.trialing = false
	if err == nil {
		cb.state = BreakerClosed
		cb.failures = 0
	} else {
		cb.failures++
		if prev == BreakerHalfOpen || cb.failures >= cb.threshold {
			cb.state = BreakerOpen
			cb.openedAt = cb.now()
		}
	}
	next, failures := cb.state, cb.failures
	cb.mu.Unlock()

	if next != prev {
		slog.Warn("tether: bus circuit "+next.String(), "failures", failures, "error", err)
	}
}

// Publish implements Bus.Publish.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, domain string, evt Event) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, domain, evt)
	if ctx.Err() != nil && err != nil {
		// the caller gave up; that says nothing about the bus
		cb.mu.Lock()
		cb.trialing = false
		cb.mu.Unlock()
		return err
	}
	cb.record(err)
	return err
}

// Subscribe implements Bus.Subscribe.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, domain string) (<-chan Event, error) {
	return cb.bus.Subscribe(ctx, domain)
}

// Unsubscribe implements Bus.Unsubscribe.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, domain string, ch <-chan Event) error {
	return cb.bus.Unsubscribe(ctx, domain, ch)
}
