// Package pushserver serves task snapshots to sync engines over websocket.
//
// Every client receives an initial snapshot on connect, a sync message on
// request and on every Broadcast. Ping frames are answered with pong.
package pushserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-tether/v1/metrics"
	"github.com/mirkobrombin/go-tether/v1/task"
)

// SourceTag marks snapshots produced by the push server.
const SourceTag = "websocket-sync"

const writeTimeout = 10 * time.Second

// Server is an http.Handler upgrading requests to push connections.
type Server struct {
	source   Source
	filter   func(task.Record) bool
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(env task.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

// Option configures a Server.
type Option func(*Server)

// WithFilter keeps only the records accepted by keep.
func WithFilter(keep func(task.Record) bool) Option {
	return func(s *Server) { s.filter = keep }
}

// WithCheckOrigin overrides the websocket origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// New returns a Server pushing the documents of src.
func New(src Source, opts ...Option) *Server {
	s := &Server{
		source:  src,
		now:     time.Now,
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) add(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	metrics.PushClientsGauge.Set(float64(n))
	slog.Info("tether: push client connected", "clients", n)
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	if ok {
		_ = c.conn.Close()
		metrics.PushClientsGauge.Set(float64(n))
		slog.Info("tether: push client disconnected", "clients", n)
	}
}

func (s *Server) snapshot(ctx context.Context) task.Snapshot {
	snap, err := s.source.Snapshot(ctx)
	if err != nil {
		slog.Error("tether: push source failed", "error", err)
		return task.NewSnapshot([]task.Record{}, SourceTag, s.now())
	}
	docs := task.Filter(snap.Documents, s.filter)
	return task.NewSnapshot(docs, SourceTag, s.now())
}

func (s *Server) envelope(ctx context.Context, t task.MessageType) (task.Envelope, error) {
	if t == task.MessagePong {
		return task.NewEnvelope(t, nil, s.now())
	}
	snap := s.snapshot(ctx)
	return task.NewEnvelope(t, &snap, s.now())
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("tether: push upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn}
	s.add(c)
	defer s.remove(c)

	ctx := r.Context()
	if err := s.reply(ctx, c, task.MessageInitial); err != nil {
		return
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env task.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			slog.Debug("tether: push client sent invalid json", "error", err)
			continue
		}
		switch env.Type {
		case task.MessagePing:
			err = s.reply(ctx, c, task.MessagePong)
		case task.MessageRequestSync:
			err = s.reply(ctx, c, task.MessageSync)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) reply(ctx context.Context, c *client, t task.MessageType) error {
	env, err := s.envelope(ctx, t)
	if err != nil {
		slog.Error("tether: push envelope failed", "type", t, "error", err)
		return err
	}
	if err := c.send(env); err != nil {
		slog.Warn("tether: push send failed", "type", t, "error", err)
		return err
	}
	return nil
}

// Broadcast pushes a sync message to every client and drops the ones that
// fail. It returns the number of clients reached.
func (s *Server) Broadcast(ctx context.Context) (int, error) {
	snap := s.snapshot(ctx)
	env, err := task.NewEnvelope(task.MessageSync, &snap, s.now())
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := c.send(env); err != nil {
			slog.Warn("tether: dropping push client", "error", err)
			s.remove(c)
			continue
		}
		sent++
	}
	slog.Info("tether: push broadcast", "clients", sent, "documents", snap.Metadata.Total)
	return sent, nil
}
