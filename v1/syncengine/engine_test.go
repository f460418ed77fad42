package syncengine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mirkobrombin/go-tether/v1/cache"
	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/metrics"
	"github.com/mirkobrombin/go-tether/v1/pushserver"
	"github.com/mirkobrombin/go-tether/v1/task"
	"github.com/mirkobrombin/go-tether/v1/watchbus"
)

// countingDialer fails the dials for which fail returns true.
type countingDialer struct {
	n    atomic.Int32
	fail func(n int32) bool
}

func (d *countingDialer) DialContext(ctx context.Context, url string, h http.Header) (*websocket.Conn, *http.Response, error) {
	if d.fail(d.n.Add(1)) {
		return nil, nil, errors.New("connection refused")
	}
	return websocket.DefaultDialer.DialContext(ctx, url, h)
}

func refuseAll(int32) bool { return true }

type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) add(err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *errorLog) has(target error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, err := range l.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func docs(ids ...string) []task.Record {
	now := time.Now()
	out := make([]task.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, task.Record{ID: id, Content: "doc " + id, UpdatedAt: now, Tags: []string{"a2a"}})
	}
	return out
}

func pushServer(records ...task.Record) *pushserver.Server {
	return pushserver.New(pushserver.SourceFunc(func(context.Context) (task.Snapshot, error) {
		return task.NewSnapshot(records, "test", time.Now()), nil
	}))
}

func TestEngineAppliesInitialSnapshot(t *testing.T) {
	srv := httptest.NewServer(pushServer(docs("2", "1")...))
	defer srv.Close()

	store := cache.NewInMemory()
	bus := watchbus.NewInMemory()
	ctx := context.Background()
	inv, err := bus.Watch(ctx, watchbus.CacheKey("proj/rag"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	synced := make(chan task.Snapshot, 4)
	e := New(Config{URL: wsURL(srv), ContextKey: "proj/rag"}, store,
		WithWatchBus(bus),
		OnSync(func(s task.Snapshot) { synced <- s }),
	)
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	select {
	case s := <-synced:
		if s.Metadata.Total != 2 {
			t.Fatalf("expected 2 documents, got %d", s.Metadata.Total)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no sync")
	}
	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || all[0].ID != "1" {
		t.Fatalf("unexpected cache %+v", all)
	}
	select {
	case raw := <-inv:
		got, err := watchbus.DecodeInvalidation(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.SyncCount != 1 || got.Total != 2 {
			t.Fatalf("unexpected invalidation %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no invalidation")
	}
	st := e.Status()
	if st.State != Connected || st.SyncCount != 1 || st.LastSyncedAt.IsZero() {
		t.Fatalf("unexpected status %+v", st)
	}

	e.Stop()
	if st := e.Status(); st.State != Disabled {
		t.Fatalf("expected disabled after stop, got %s", st.State)
	}
}

func TestEngineRequestSync(t *testing.T) {
	e := New(Config{URL: "ws://127.0.0.1:1"}, cache.NewInMemory())
	if err := e.RequestSync(context.Background()); !errors.Is(err, tethererrors.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	srv := httptest.NewServer(pushServer(docs("1")...))
	defer srv.Close()
	e = New(Config{URL: wsURL(srv)}, cache.NewInMemory())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()
	waitFor(t, "initial sync", func() bool { return e.Status().SyncCount == 1 })

	if err := e.RequestSync(context.Background()); err != nil {
		t.Fatalf("request sync: %v", err)
	}
	waitFor(t, "requested sync", func() bool { return e.Status().SyncCount == 2 })
}

func TestEngineReconnectExhaustion(t *testing.T) {
	d := &countingDialer{fail: refuseAll}
	var log errorLog
	before := testutil.ToFloat64(metrics.ReconnectCounter)
	e := New(Config{
		URL:                  "ws://tether.invalid",
		ReconnectInterval:    5 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}, cache.NewInMemory(), WithDialer(d), OnError(log.add))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	waitFor(t, "unavailable", func() bool { return e.Status().State == Unavailable })
	time.Sleep(30 * time.Millisecond)
	if n := d.n.Load(); n != 4 {
		t.Fatalf("expected 1 connect and 3 reconnects, got %d dials", n)
	}
	st := e.Status()
	if st.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", st.Attempts)
	}
	if !errors.Is(st.LastError, tethererrors.ErrChannelUnavailable) || !log.has(tethererrors.ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", st.LastError)
	}
	if got := testutil.ToFloat64(metrics.ReconnectCounter) - before; got != 3 {
		t.Fatalf("expected 3 reconnects counted, got %v", got)
	}
}

func TestEngineReconnectResetsAttempts(t *testing.T) {
	var served atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if served.Add(1) == 1 {
			// drop the first connection right away
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	// dials 1 and 2 fail, 3 connects and is dropped, 4 fails, 5 connects
	d := &countingDialer{fail: func(n int32) bool { return n == 1 || n == 2 || n == 4 }}
	e := New(Config{
		URL:                  wsURL(srv),
		ReconnectInterval:    5 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}, cache.NewInMemory(), WithDialer(d))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	waitFor(t, "second connection", func() bool { return served.Load() == 2 })
	waitFor(t, "connected", func() bool { return e.Status().State == Connected })
	if n := d.n.Load(); n != 5 {
		t.Fatalf("expected 5 dials, got %d", n)
	}
	if st := e.Status(); st.Attempts != 0 {
		t.Fatalf("expected attempts reset on connect, got %d", st.Attempts)
	}
}

func TestEngineStopClearsPendingReconnect(t *testing.T) {
	d := &countingDialer{fail: refuseAll}
	e := New(Config{URL: "ws://tether.invalid", ReconnectInterval: time.Hour}, cache.NewInMemory(), WithDialer(d))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "disconnected", func() bool { return e.Status().State == Disconnected && d.n.Load() == 1 })

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop blocked on reconnect timer")
	}
	if n := d.n.Load(); n != 1 {
		t.Fatalf("unexpected dial after stop: %d", n)
	}
}

func TestEngineFallbackPoller(t *testing.T) {
	src := SourceFunc(func(context.Context) (task.Snapshot, error) {
		recs := docs("1", "2")
		recs = append(recs, task.Record{ID: "3", Category: "misc"})
		return task.NewSnapshot(recs, "docstore", time.Now()), nil
	})
	store := cache.NewInMemory()
	e := New(Config{URL: "ws://tether.invalid", MaxReconnectAttempts: -1}, store,
		WithDialer(&countingDialer{fail: refuseAll}),
		WithFallback(NewPoller(src, time.Hour, task.MatchTag("a2a"))),
	)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	waitFor(t, "fallback sync", func() bool { return e.Status().SyncCount == 1 })
	if st := e.Status(); st.State != Unavailable {
		t.Fatalf("expected unavailable, got %s", st.State)
	}
	all, _ := store.All(context.Background())
	if len(all) != 2 {
		t.Fatalf("expected filtered documents, got %+v", all)
	}
}

func TestEngineDropsMalformedMessages(t *testing.T) {
	frames := []string{
		`{not json`,
		`{"type":"mystery","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"type":"sync","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"type":"sync","data":{"documents":[{"id":"1"},{"id":"1"}]},"timestamp":"2024-01-01T00:00:00Z"}`,
		`{"type":"sync","data":{"documents":[{"id":"7","content":"ok"}],"metadata":{"total":1,"source":"x"}},"timestamp":"2024-01-01T00:00:00Z"}`,
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	before := testutil.ToFloat64(metrics.MalformedMessageCounter)
	store := cache.NewInMemory()
	var log errorLog
	e := New(Config{URL: wsURL(srv)}, store, OnError(log.add))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	waitFor(t, "valid sync", func() bool { return e.Status().SyncCount == 1 })
	if got := testutil.ToFloat64(metrics.MalformedMessageCounter) - before; got != 3 {
		t.Fatalf("expected 3 malformed messages, got %v", got)
	}
	if !log.has(tethererrors.ErrMalformedMessage) {
		t.Fatal("malformed messages not reported")
	}
	if _, ok, _ := store.Get(context.Background(), "7"); !ok {
		t.Fatal("valid snapshot not applied")
	}
	if st := e.Status(); st.State != Connected {
		t.Fatalf("malformed input must not drop the channel, state %s", st.State)
	}
}

func TestEngineHeartbeatAndGracePeriod(t *testing.T) {
	var pings atomic.Int32
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		defer conn.Close()
		// never answers, so the client must give up after the grace period
		for {
			var env task.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == task.MessagePing {
				pings.Add(1)
			}
		}
	}))
	defer srv.Close()

	e := New(Config{
		URL:               wsURL(srv),
		HeartbeatInterval: 10 * time.Millisecond,
		GracePeriod:       80 * time.Millisecond,
		ReconnectInterval: 5 * time.Millisecond,
	}, cache.NewInMemory())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	waitFor(t, "heartbeats", func() bool { return pings.Load() >= 3 })
	waitFor(t, "reconnect after silent server", func() bool { return conns.Load() >= 2 })
}
