package nats

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

func newNATSBus(t *testing.T) (*NATSBus, context.Context) {
	t.Helper()
	addr := os.Getenv("TETHER_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("TestNATSBus: using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	bus := NewNATSBus(conn)
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return bus, context.Background()
}

func TestNATSBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newNATSBus(t)
	ch, err := bus.Subscribe(ctx, "coordination:proj/a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	evt := syncbus.Event{ContextKey: "proj/a", Action: syncbus.ActionAcquired, OwnerID: "s1"}
	if err := bus.Publish(ctx, "coordination:proj/a", evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		if got.OwnerID != "s1" || got.Domain != "coordination:proj/a" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestNATSBusSanitizedSubjectsStayIsolated(t *testing.T) {
	bus, ctx := newNATSBus(t)
	// both domains sanitize to the same subject
	a, err := bus.Subscribe(ctx, "coordination:a.b")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b, err := bus.Subscribe(ctx, "coordination:a*b")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "coordination:a.b", syncbus.Event{OwnerID: "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-a:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	select {
	case evt := <-b:
		t.Fatalf("event leaked across domains: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newNATSBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["key"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}
