// Package syncengine keeps a local cache of the shared task collection in
// step with a push server.
//
// The engine holds one websocket connection, sends a heartbeat and
// reconnects a bounded number of times. Every snapshot it receives goes
// through Apply, which merges staged local writes, replaces the cache
// atomically and notifies observers. Once the channel is declared
// unavailable an optional Poller takes over.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"github.com/mirkobrombin/go-tether/v1/cache"
	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/merge"
	"github.com/mirkobrombin/go-tether/v1/metrics"
	"github.com/mirkobrombin/go-tether/v1/task"
	"github.com/mirkobrombin/go-tether/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-tether/v1/syncengine")

// State is the connection state of an Engine.
type State int

const (
	Disabled State = iota
	Disconnected
	Connecting
	Connected
	// Unavailable is terminal until the engine is stopped and started again.
	Unavailable
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Unavailable:
		return "unavailable"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
	writeTimeout                = 10 * time.Second
)

// Config describes the push channel.
type Config struct {
	URL string
	// ContextKey names the cache invalidations published on the watch bus.
	ContextKey           string
	HeartbeatInterval    time.Duration
	GracePeriod          time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * c.HeartbeatInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	switch {
	case c.MaxReconnectAttempts == 0:
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	case c.MaxReconnectAttempts < 0:
		// negative disables reconnection
		c.MaxReconnectAttempts = 0
	}
	return c
}

// Dialer opens the push channel. *websocket.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)
}

// Status is a point-in-time view of the engine.
type Status struct {
	State        State
	LastSyncedAt time.Time
	SyncCount    uint64
	Attempts     int
	LastError    error
}

// Option configures an Engine.
type Option func(*Engine)

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d Dialer) Option {
	return func(e *Engine) { e.dialer = d }
}

// WithWatchBus publishes a watchbus.Invalidation after every cache replace.
func WithWatchBus(b watchbus.WatchBus) Option {
	return func(e *Engine) { e.watch = b }
}

// OnSync is called with the applied snapshot after every successful Apply.
func OnSync(fn func(task.Snapshot)) Option {
	return func(e *Engine) { e.onSync = fn }
}

// OnError receives transport, protocol and storage failures.
func OnError(fn func(error)) Option {
	return func(e *Engine) { e.onError = fn }
}

// WithFallback runs p once the push channel becomes unavailable.
func WithFallback(p *Poller) Option {
	return func(e *Engine) { e.fallback = p }
}

// WithMergeOptions configures how staged local writes meet remote snapshots.
func WithMergeOptions(opts ...merge.Option) Option {
	return func(e *Engine) { e.mergeOpts = append(e.mergeOpts, opts...) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine synchronizes a cache.Store with a push server.
type Engine struct {
	cfg       Config
	store     cache.Store
	dialer    Dialer
	watch     watchbus.WatchBus
	onSync    func(task.Snapshot)
	onError   func(error)
	fallback  *Poller
	mergeOpts []merge.Option
	now       func() time.Time

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	attempts   int
	lastSynced time.Time
	syncCount  uint64
	lastErr    error
	cancel     context.CancelFunc
	done       chan struct{}

	writeMu sync.Mutex

	applyMu sync.Mutex
	staged  map[string]task.Record
}

// New returns a disabled Engine writing into store.
func New(cfg Config, store cache.Store, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg.withDefaults(),
		store:  store,
		dialer: websocket.DefaultDialer,
		now:    time.Now,
		staged: make(map[string]task.Record),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start enables the engine and runs the connection loop in the
// background. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.URL == "" {
		return errors.New("syncengine: missing channel url")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.state = Disconnected
	e.attempts = 0
	go e.run(runCtx, e.done)
	return nil
}

// Stop disables the engine. It closes the connection and waits for the
// connection loop, any pending reconnect timer and the fallback poller to
// finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done, conn := e.cancel, e.done, e.conn
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
	e.setState(Disabled)
}

// Status returns the current status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:        e.state,
		LastSyncedAt: e.lastSynced,
		SyncCount:    e.syncCount,
		Attempts:     e.attempts,
		LastError:    e.lastErr,
	}
}

// LastSyncedText renders the last sync time relative to now, e.g.
// "3 minutes ago".
func (e *Engine) LastSyncedText() string {
	e.mu.Lock()
	last := e.lastSynced
	e.mu.Unlock()
	if last.IsZero() {
		return "never"
	}
	return humanize.RelTime(last, e.now(), "ago", "from now")
}

// RequestSync asks the server for a fresh snapshot.
func (e *Engine) RequestSync(ctx context.Context) error {
	e.mu.Lock()
	conn, state := e.conn, e.state
	e.mu.Unlock()
	if state != Connected || conn == nil {
		return tethererrors.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.send(conn, task.MessageRequestSync)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	if s == Connected {
		metrics.ConnectedGauge.Set(1)
	} else {
		metrics.ConnectedGauge.Set(0)
	}
}

func (e *Engine) report(err error) {
	e.mu.Lock()
	e.lastErr = err
	cb := e.onError
	e.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (e *Engine) send(conn *websocket.Conn, t task.MessageType) error {
	env, err := task.NewEnvelope(t, nil, e.now())
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(env)
}
