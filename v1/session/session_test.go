package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-tether/v1/lock"
	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func newPair(t *testing.T, ttl time.Duration, opts ...lock.Option) (*Session, *Session, *lock.Manager) {
	t.Helper()
	bus := syncbus.NewInMemoryBus()
	mgr := lock.NewManager(lock.NewInMemoryStore(), bus, opts...)
	ctx := context.Background()
	a, err := New(ctx, mgr, bus, Config{SessionID: "a", Tag: "frontend", TTL: ttl})
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := New(ctx, mgr, bus, Config{SessionID: "b", Tag: "frontend", TTL: ttl})
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	t.Cleanup(func() {
		_ = a.Close(context.Background())
		_ = b.Close(context.Background())
	})
	return a, b, mgr
}

func TestCreateLockHeldAndConflicted(t *testing.T) {
	a, b, _ := newPair(t, time.Minute)
	ctx := context.Background()

	if a.State() != Idle {
		t.Fatalf("expected idle, got %s", a.State())
	}
	ok, err := a.CreateLock(ctx, lock.OpWrite)
	if err != nil || !ok {
		t.Fatalf("create lock: ok %v err %v", ok, err)
	}
	if a.State() != Held {
		t.Fatalf("expected held, got %s", a.State())
	}
	if can, _ := a.CanWrite(ctx); !can {
		t.Fatal("holder cannot write")
	}

	ok, err = b.CreateLock(ctx, lock.OpWrite)
	if err != nil || ok {
		t.Fatalf("expected denial, ok %v err %v", ok, err)
	}
	if b.State() != Conflicted {
		t.Fatalf("expected conflicted, got %s", b.State())
	}
	if c := b.Conflicts(); len(c) != 1 || c[0].OwnerID != "a" {
		t.Fatalf("unexpected conflicts %+v", c)
	}
	if can, _ := b.CanWrite(ctx); can {
		t.Fatal("conflicted session can write")
	}
	if !b.CanRead() {
		t.Fatal("reads must never be blocked")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if a.State() != Released {
		t.Fatalf("expected released, got %s", a.State())
	}
	waitFor(t, "b to see the release", func() bool { return len(b.Conflicts()) == 0 })

	// retry from Conflicted
	if ok, err := b.CreateLock(ctx, lock.OpWrite); err != nil || !ok {
		t.Fatalf("retry: ok %v err %v", ok, err)
	}
}

func TestCanWriteWithoutLock(t *testing.T) {
	a, b, _ := newPair(t, time.Minute)
	ctx := context.Background()
	if can, err := b.CanWrite(ctx); err != nil || !can {
		t.Fatalf("expected write allowed with no leases, can %v err %v", can, err)
	}
	if ok, _ := a.CreateLock(ctx, lock.OpWrite); !ok {
		t.Fatal("expected grant")
	}
	if can, _ := b.CanWrite(ctx); can {
		t.Fatal("write allowed while another session holds the lease")
	}
}

func TestRenewalKeepsLeaseAlive(t *testing.T) {
	a, b, _ := newPair(t, 60*time.Millisecond)
	ctx := context.Background()
	if ok, _ := a.CreateLock(ctx, lock.OpWrite); !ok {
		t.Fatal("expected grant")
	}
	time.Sleep(200 * time.Millisecond)
	if ok, _ := b.CreateLock(ctx, lock.OpWrite); ok {
		t.Fatal("renewed lease was taken over")
	}
	if a.State() != Held {
		t.Fatalf("expected held, got %s", a.State())
	}
}

func TestReleaseStopsRenewal(t *testing.T) {
	a, b, _ := newPair(t, 40*time.Millisecond)
	ctx := context.Background()
	if ok, _ := a.CreateLock(ctx, lock.OpWrite); !ok {
		t.Fatal("expected grant")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := b.CreateLock(ctx, lock.OpWrite); !ok {
		t.Fatal("expected b to acquire after release")
	}
	time.Sleep(100 * time.Millisecond)
	if a.State() != Released {
		t.Fatalf("renewal resurrected a: %s", a.State())
	}
}

func TestLostLeaseMovesToConflicted(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	var states []State
	var mu sync.Mutex
	bus := syncbus.NewInMemoryBus()
	mgr := lock.NewManager(lock.NewInMemoryStore(), bus, lock.WithClock(clock.Now))
	ctx := context.Background()

	a, err := New(ctx, mgr, bus, Config{SessionID: "a", Tag: "t", TTL: 40 * time.Millisecond},
		WithClock(clock.Now),
		WithOnChange(func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close(ctx)

	if ok, _ := a.CreateLock(ctx, lock.OpWrite); !ok {
		t.Fatal("expected grant")
	}
	// the lease expires before the next renewal and someone else takes it
	clock.Advance(time.Hour)
	if ok, _ := mgr.Acquire(ctx, a.Context().ContextKey, "intruder", lock.OpWrite, time.Hour); !ok {
		t.Fatal("intruder should acquire an expired lease")
	}
	waitFor(t, "conflicted state", func() bool { return a.State() == Conflicted })
	if can, _ := a.CanWrite(ctx); can {
		t.Fatal("session that lost its lease can write")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{Acquiring, Held, Conflicted}
	if len(states) != len(want) {
		t.Fatalf("expected transitions %v got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected transitions %v got %v", want, states)
		}
	}
}

// gateHandler blocks the first log record carrying msg until release closes.
type gateHandler struct {
	slog.Handler
	msg     string
	once    sync.Once
	paused  chan struct{}
	release chan struct{}
}

func (h *gateHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *gateHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Message == h.msg {
		h.once.Do(func() {
			close(h.paused)
			<-h.release
		})
	}
	return nil
}

func TestRetryAfterLostLeaseStaysHeld(t *testing.T) {
	gate := &gateHandler{
		Handler: slog.Default().Handler(),
		msg:     "tether: lease lost",
		paused:  make(chan struct{}),
		release: make(chan struct{}),
	}
	prev := slog.Default()
	slog.SetDefault(slog.New(gate))
	t.Cleanup(func() { slog.SetDefault(prev) })

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	bus := syncbus.NewInMemoryBus()
	mgr := lock.NewManager(lock.NewInMemoryStore(), bus, lock.WithClock(clock.Now))
	ctx := context.Background()
	a, err := New(ctx, mgr, bus, Config{SessionID: "a", Tag: "t", TTL: 40 * time.Millisecond}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close(ctx)

	if ok, _ := a.CreateLock(ctx, lock.OpWrite); !ok {
		t.Fatal("expected grant")
	}
	key := a.Context().ContextKey
	clock.Advance(time.Hour)
	if ok, _ := mgr.Acquire(ctx, key, "intruder", lock.OpWrite, time.Hour); !ok {
		t.Fatal("intruder should acquire an expired lease")
	}

	// the old renewal is parked after losing the lease
	select {
	case <-gate.paused:
	case <-time.After(2 * time.Second):
		t.Fatal("renewal never lost the lease")
	}
	if got := a.State(); got != Conflicted {
		t.Fatalf("expected conflicted before retry, got %s", got)
	}
	if err := mgr.Release(ctx, key, "intruder"); err != nil {
		t.Fatalf("release intruder: %v", err)
	}
	if ok, err := a.CreateLock(ctx, lock.OpWrite); !ok || err != nil {
		t.Fatalf("retry: ok=%v err=%v", ok, err)
	}

	close(gate.release)
	time.Sleep(60 * time.Millisecond)

	if got := a.State(); got != Held {
		t.Fatalf("stale renewal overwrote state: %s", got)
	}
	if can, err := a.CanWrite(ctx); !can || err != nil {
		t.Fatalf("holder cannot write: %v %v", can, err)
	}
	lease, held, err := mgr.Status(ctx, key)
	if err != nil || !held || lease.OwnerID != "a" {
		t.Fatalf("unexpected lease %+v held=%v err=%v", lease, held, err)
	}
}

func TestCloseIsIdempotentAndReleases(t *testing.T) {
	a, b, mgr := newPair(t, time.Minute)
	ctx := context.Background()
	if ok, _ := a.CreateLock(ctx, lock.OpWrite); !ok {
		t.Fatal("expected grant")
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, held, _ := mgr.Status(ctx, a.Context().ContextKey); held {
		t.Fatal("close left the lease behind")
	}
	if _, err := a.CreateLock(ctx, lock.OpWrite); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if ok, _ := b.CreateLock(ctx, lock.OpWrite); !ok {
		t.Fatal("expected b to acquire after close")
	}
}

func TestWithReleasesOnPanic(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	mgr := lock.NewManager(lock.NewInMemoryStore(), bus)
	ctx := context.Background()
	cfg := Config{SessionID: "p", Tag: "t", TTL: time.Minute}
	key := ""

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = With(ctx, mgr, bus, cfg, func(s *Session) error {
			key = s.Context().ContextKey
			if ok, _ := s.CreateLock(ctx, lock.OpWrite); !ok {
				t.Fatal("expected grant")
			}
			panic("boom")
		})
	}()

	if _, held, _ := mgr.Status(ctx, key); held {
		t.Fatal("lease survived a panic inside With")
	}
}

func TestWithReturnsCallbackError(t *testing.T) {
	mgr := lock.NewManager(lock.NewInMemoryStore(), nil)
	want := errors.New("failed")
	err := With(context.Background(), mgr, nil, Config{Tag: "t"}, func(s *Session) error {
		if s.ID() == "" {
			t.Fatal("expected generated session id")
		}
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestConfigDefaults(t *testing.T) {
	mgr := lock.NewManager(lock.NewInMemoryStore(), nil)
	s, err := New(context.Background(), mgr, nil, Config{SessionID: "s", Samples: []string{"docker deploy"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close(context.Background())
	if s.Context().Tag != "devops" {
		t.Fatalf("expected classified tag devops, got %q", s.Context().Tag)
	}
	if s.ttl != 30*time.Second {
		t.Fatalf("expected profile ttl, got %v", s.ttl)
	}
}
