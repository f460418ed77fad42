package presets

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"

	"github.com/mirkobrombin/go-tether/v1/config"
	"github.com/mirkobrombin/go-tether/v1/lock"
	"github.com/mirkobrombin/go-tether/v1/namespace"
	"github.com/mirkobrombin/go-tether/v1/task"
)

// exercise acquires a lease, observes the broadcast and round-trips the cache.
func exercise(t *testing.T, s *Stack) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := namespace.ContextKey("app_todos_bd_tasks", "backend")
	events, err := s.Bus.Subscribe(ctx, namespace.Domain(key))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	mgr := s.Manager()
	ok, err := mgr.Acquire(ctx, key, "owner-a", lock.OpWrite, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	ok, err = mgr.Acquire(ctx, key, "owner-b", lock.OpWrite, time.Minute)
	if err != nil || ok {
		t.Fatalf("second writer must be denied: ok=%v err=%v", ok, err)
	}
	select {
	case evt := <-events:
		if evt.OwnerID != "owner-a" || evt.ContextKey != key {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-ctx.Done():
		t.Fatal("no lease broadcast")
	}

	docs := []task.Record{{ID: "2", Content: "b", UpdatedAt: time.Now().UTC()}, {ID: "1", Content: "a", UpdatedAt: time.Now().UTC()}}
	if err := s.Cache.Replace(ctx, docs); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, ok, err := s.Cache.Get(ctx, "2")
	if err != nil || !ok || got.Content != "b" {
		t.Fatalf("get: %+v ok=%v err=%v", got, ok, err)
	}
}

func TestNewInMemoryStandalone(t *testing.T) {
	s := NewInMemoryStandalone()
	defer s.Close()
	exercise(t, s)
}

func TestOpenDefaults(t *testing.T) {
	s, err := Open(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	exercise(t, s)
}

func TestOpenRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()
	cfg.Backend = config.BackendConfig{Bus: "redis", Leases: "redis", Cache: "redis"}
	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	exercise(t, s)

	if n := len(mr.Keys()); n == 0 {
		t.Fatal("expected leases and documents in redis")
	}
}

func TestOpenNATSWithSQLite(t *testing.T) {
	ns := natsserver.RunRandClientPortServer()
	defer ns.Shutdown()

	cfg := config.Default()
	cfg.NATS.URL = ns.ClientURL()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "tether.db")
	cfg.Backend = config.BackendConfig{Bus: "nats", Leases: "memory", Cache: "sqlite"}
	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	exercise(t, s)
}

func TestOpenRedisUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.Backend.Leases = "redis"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Open(ctx, cfg); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}
