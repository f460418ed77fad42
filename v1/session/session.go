// Package session runs one context's side of the coordination protocol:
// it acquires and renews a lease for its context key, tracks leases held
// by other contexts and guarantees release when the caller is done.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-tether/v1/lock"
	"github.com/mirkobrombin/go-tether/v1/namespace"
	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

// ErrClosed is returned by operations on a closed Session.
var ErrClosed = errors.New("tether: session closed")

// State is the lifecycle state of a Session.
type State int

const (
	Idle State = iota
	Acquiring
	Held
	Conflicted
	Released
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Held:
		return "held"
	case Conflicted:
		return "conflicted"
	case Released:
		return "released"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config identifies the context a Session coordinates. Empty fields are
// derived: SessionID is random, Tag is classified from Samples and TTL
// comes from the project's profile.
type Config struct {
	SessionID   string
	ProjectPath string
	Tag         string
	Samples     []string
	TTL         time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source used to judge whether the held lease
// is still within its TTL.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithOnChange registers a callback invoked after every state transition.
func WithOnChange(fn func(State)) Option {
	return func(s *Session) { s.onChange = fn }
}

// Session coordinates writes to one context key. CreateLock and Release
// are serialized; the remaining methods are safe for concurrent use.
type Session struct {
	mgr  *lock.Manager
	bus  syncbus.Bus
	ctx  namespace.Context
	ttl  time.Duration
	now  func() time.Time
	base context.Context
	stop context.CancelFunc

	onChange func(State)

	opMu sync.Mutex

	mu          sync.RWMutex
	state       State
	op          lock.Op
	heldUntil   time.Time
	conflicts   []lock.Lease
	closed      bool
	renewCancel context.CancelFunc
	renewDone   chan struct{}

	listenDone chan struct{}
}

// New creates a Session and subscribes it to its context's broadcast
// domain. The subscription lives until Close or until ctx ends.
func New(ctx context.Context, mgr *lock.Manager, bus syncbus.Bus, cfg Config, opts ...Option) (*Session, error) {
	if mgr == nil {
		return nil, errors.New("tether: session requires a lock manager")
	}
	if bus == nil {
		bus = syncbus.NoopBus{}
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	nsCtx := namespace.Resolve(cfg.SessionID, cfg.ProjectPath, cfg.Samples)
	if cfg.Tag != "" {
		nsCtx.Tag = cfg.Tag
		nsCtx.ContextKey = namespace.ContextKey(nsCtx.ProjectPath, cfg.Tag)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = namespace.ProfileFor(nsCtx.ProjectPath).LockTimeout
	}

	base, stop := context.WithCancel(ctx)
	s := &Session{
		mgr:        mgr,
		bus:        bus,
		ctx:        nsCtx,
		ttl:        cfg.TTL,
		now:        time.Now,
		base:       base,
		stop:       stop,
		listenDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	events, err := bus.Subscribe(base, namespace.Domain(nsCtx.ContextKey))
	if err != nil {
		stop()
		return nil, fmt.Errorf("subscribe to %s: %w", namespace.Domain(nsCtx.ContextKey), err)
	}
	go s.listen(events)
	return s, nil
}

// ID returns the session identifier used as lease owner.
func (s *Session) ID() string { return s.ctx.SessionID }

// Context returns the resolved namespace context.
func (s *Session) Context() namespace.Context { return s.ctx }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Conflicts returns the last known exclusive leases held by other sessions.
func (s *Session) Conflicts() []lock.Lease {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]lock.Lease(nil), s.conflicts...)
}

// CanRead reports whether the session may read. Reads are never blocked.
func (s *Session) CanRead() bool { return true }

// CanWrite reports whether the session may write now: it holds a live
// exclusive lease, or it is not Conflicted and nobody else holds one.
func (s *Session) CanWrite(ctx context.Context) (bool, error) {
	s.mu.RLock()
	state, op, until := s.state, s.op, s.heldUntil
	s.mu.RUnlock()

	switch {
	case state == Held && op.Exclusive() && !s.now().After(until):
		return true, nil
	case state == Conflicted:
		return false, nil
	}
	conflicts, err := s.mgr.Conflicts(ctx, s.ctx.ContextKey, s.ctx.SessionID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.conflicts = conflicts
	s.mu.Unlock()
	return len(conflicts) == 0, nil
}

// CreateLock requests a lease of kind op. On success the session is Held
// and renews the lease every TTL/2; on denial it is Conflicted and records
// the foreign leases. Contention is reported as false, not as an error.
func (s *Session) CreateLock(ctx context.Context, op lock.Op) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	closed, prev := s.closed, s.state
	s.mu.RUnlock()
	if closed {
		return false, ErrClosed
	}

	s.stopRenewal()
	s.setState(Acquiring)

	ok, err := s.mgr.Acquire(ctx, s.ctx.ContextKey, s.ctx.SessionID, op, s.ttl)
	if err != nil {
		s.setState(prev)
		return false, err
	}
	if !ok {
		conflicts, cerr := s.mgr.Conflicts(ctx, s.ctx.ContextKey, s.ctx.SessionID)
		if cerr != nil {
			slog.Warn("tether: reading conflicting leases", "key", s.ctx.ContextKey, "error", cerr)
		}
		s.mu.Lock()
		s.conflicts = conflicts
		s.mu.Unlock()
		s.setState(Conflicted)
		return false, nil
	}

	s.mu.Lock()
	s.op = op
	s.heldUntil = s.now().Add(s.ttl)
	s.conflicts = nil
	s.mu.Unlock()
	s.setState(Held)
	s.startRenewal(op)
	return true, nil
}

// Release stops renewal and gives up the lease.
func (s *Session) Release(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.release(ctx)
}

func (s *Session) release(ctx context.Context) error {
	s.stopRenewal()
	err := s.mgr.Release(ctx, s.ctx.ContextKey, s.ctx.SessionID)
	s.mu.Lock()
	s.op = ""
	s.heldUntil = time.Time{}
	s.mu.Unlock()
	s.setState(Released)
	return err
}

// Close releases any lease and ends the subscription. It is safe to call
// more than once; only the first call does work.
func (s *Session) Close(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.release(ctx)
	s.stop()
	<-s.listenDone
	return err
}

// With opens a Session, runs fn and closes the session on every exit path,
// panics included.
func With(ctx context.Context, mgr *lock.Manager, bus syncbus.Bus, cfg Config, fn func(*Session) error, opts ...Option) (err error) {
	s, err := New(ctx, mgr, bus, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(s)
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	changed := s.state != next
	s.state = next
	cb := s.onChange
	s.mu.Unlock()
	if changed && cb != nil {
		cb(next)
	}
}

func (s *Session) startRenewal(op lock.Op) {
	ctx, cancel := context.WithCancel(s.base)
	done := make(chan struct{})
	s.mu.Lock()
	s.renewCancel = cancel
	s.renewDone = done
	s.mu.Unlock()
	go s.renew(ctx, op, done)
}

func (s *Session) stopRenewal() {
	s.mu.Lock()
	cancel, done := s.renewCancel, s.renewDone
	s.renewCancel, s.renewDone = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Session) renew(ctx context.Context, op lock.Op, done chan struct{}) {
	defer close(done)
	interval := s.ttl / 2
	if interval <= 0 {
		interval = s.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := s.mgr.Acquire(ctx, s.ctx.ContextKey, s.ctx.SessionID, op, s.ttl)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("tether: lease renewal failed", "key", s.ctx.ContextKey, "session", s.ctx.SessionID, "error", err)
			continue
		}
		if !ok {
			conflicts, _ := s.mgr.Conflicts(ctx, s.ctx.ContextKey, s.ctx.SessionID)
			if s.loseLease(done, conflicts) {
				slog.Warn("tether: lease lost", "key", s.ctx.ContextKey, "session", s.ctx.SessionID)
			}
			return
		}
		s.mu.Lock()
		if s.renewDone == done {
			s.heldUntil = s.now().Add(s.ttl)
		}
		s.mu.Unlock()
	}
}

// loseLease moves the session to Conflicted unless the renewal identified by
// done was already replaced by a newer CreateLock or stopped.
func (s *Session) loseLease(done chan struct{}, conflicts []lock.Lease) bool {
	s.mu.Lock()
	if s.renewDone != done {
		s.mu.Unlock()
		return false
	}
	cancel := s.renewCancel
	s.renewCancel, s.renewDone = nil, nil
	s.conflicts = conflicts
	s.op = ""
	s.heldUntil = time.Time{}
	changed := s.state != Conflicted
	s.state = Conflicted
	cb := s.onChange
	s.mu.Unlock()
	cancel()
	if changed && cb != nil {
		cb(Conflicted)
	}
	return true
}

func (s *Session) listen(events <-chan syncbus.Event) {
	defer close(s.listenDone)
	for {
		select {
		case <-s.base.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.OwnerID == s.ctx.SessionID || evt.ContextKey != s.ctx.ContextKey {
				continue
			}
			conflicts, err := s.mgr.Conflicts(s.base, s.ctx.ContextKey, s.ctx.SessionID)
			if err != nil {
				if s.base.Err() == nil {
					slog.Warn("tether: refreshing conflicts", "key", s.ctx.ContextKey, "error", err)
				}
				continue
			}
			s.mu.Lock()
			s.conflicts = conflicts
			s.mu.Unlock()
		}
	}
}
