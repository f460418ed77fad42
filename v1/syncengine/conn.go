package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/metrics"
	"github.com/mirkobrombin/go-tether/v1/task"
)

// run connects, and after every lost or failed connection waits
// ReconnectInterval before trying again. The first connection is not a
// reconnect; MaxReconnectAttempts consecutive failed reconnects make the
// channel unavailable.
func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		e.setState(Connecting)
		err := e.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("tether: push channel lost", "url", e.cfg.URL, "error", err)
		e.report(err)

		e.mu.Lock()
		exhausted := e.attempts >= e.cfg.MaxReconnectAttempts
		if !exhausted {
			e.attempts++
		}
		attempt := e.attempts
		e.mu.Unlock()

		if exhausted {
			e.setState(Unavailable)
			slog.Error("tether: push channel unavailable", "url", e.cfg.URL, "attempts", attempt)
			e.report(fmt.Errorf("%w: %d reconnect attempts failed", tethererrors.ErrChannelUnavailable, attempt))
			if e.fallback != nil {
				e.fallback.Run(ctx, e)
			}
			return
		}

		e.setState(Disconnected)
		metrics.ReconnectCounter.Inc()
		slog.Info("tether: reconnecting", "attempt", attempt, "max", e.cfg.MaxReconnectAttempts, "in", e.cfg.ReconnectInterval)
		timer := time.NewTimer(e.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect dials the server and serves the connection until it drops.
func (e *Engine) connect(ctx context.Context) error {
	conn, _, err := e.dialer.DialContext(ctx, e.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("syncengine: dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	e.mu.Lock()
	e.conn = conn
	e.attempts = 0
	e.lastErr = nil
	e.mu.Unlock()
	e.setState(Connected)
	slog.Info("tether: push channel connected", "url", e.cfg.URL)
	defer func() {
		e.mu.Lock()
		e.conn = nil
		e.mu.Unlock()
	}()

	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.heartbeat(hbCtx, conn)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(e.cfg.GracePeriod))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("syncengine: read: %w", err)
		}
		e.handle(ctx, raw)
	}
}

func (e *Engine) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.send(conn, task.MessagePing); err != nil {
				slog.Warn("tether: heartbeat failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (e *Engine) handle(ctx context.Context, raw []byte) {
	var env task.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		e.malformed(err)
		return
	}
	switch env.Type {
	case task.MessageInitial, task.MessageSync:
		snap, err := env.Snapshot()
		if err != nil {
			e.malformed(err)
			return
		}
		// Apply reports its own failures.
		_ = e.Apply(ctx, snap)
	case task.MessagePong, task.MessagePing:
	default:
		slog.Debug("tether: ignoring push message", "type", env.Type)
	}
}

func (e *Engine) malformed(err error) {
	metrics.MalformedMessageCounter.Inc()
	slog.Warn("tether: dropping malformed push message", "error", err)
	e.report(fmt.Errorf("%w: %w", tethererrors.ErrMalformedMessage, err))
}
