package redis

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

func newRedisBus(t *testing.T) (*RedisBus, *redis.Client, context.Context) {
	t.Helper()
	addr := os.Getenv("TETHER_TEST_REDIS_ADDR")
	var client *redis.Client
	var mr *miniredis.Miniredis

	if addr != "" {
		t.Logf("TestRedisBus: using real Redis at %s", addr)
		client = redis.NewClient(&redis.Options{Addr: addr})
	} else {
		var err error
		mr, err = miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	}

	bus := NewRedisBus(RedisBusOptions{Client: client})
	ctx := context.Background()
	t.Cleanup(func() {
		_ = bus.Close()
		if addr != "" {
			_ = client.FlushAll(context.Background()).Err()
		}
		_ = client.Close()
		if mr != nil {
			mr.Close()
		}
	})
	return bus, client, ctx
}

func TestRedisBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, _, ctx := newRedisBus(t)
	ch, err := bus.Subscribe(ctx, "coordination:a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	evt := syncbus.Event{ContextKey: "a", Action: syncbus.ActionAcquired, OwnerID: "s1", Operation: "write"}
	if err := bus.Publish(ctx, "coordination:a", evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		if got.OwnerID != "s1" || got.Domain != "coordination:a" || got.Action != syncbus.ActionAcquired {
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

func TestRedisBusContextBasedUnsubscribe(t *testing.T) {
	bus, _, _ := newRedisBus(t)
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

func TestRedisBusDropsDuplicateNonce(t *testing.T) {
	bus, client, ctx := newRedisBus(t)
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	payload, _ := json.Marshal(syncbus.Event{Domain: "key", Nonce: "fixed", Action: syncbus.ActionReleased})
	for i := 0; i < 2; i++ {
		if err := client.Publish(ctx, channelFor("key"), payload).Err(); err != nil {
			t.Fatalf("direct publish: %v", err)
		}
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	select {
	case <-ch:
		t.Fatal("duplicate delivered")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisBusIgnoresMalformedPayload(t *testing.T) {
	bus, client, ctx := newRedisBus(t)
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Publish(ctx, channelFor("key"), "not json").Err(); err != nil {
		t.Fatalf("direct publish: %v", err)
	}
	if err := bus.Publish(ctx, "key", syncbus.Event{OwnerID: "after"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case evt := <-ch:
		if evt.OwnerID != "after" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
}

func TestRedisBusTimeout(t *testing.T) {
	bus, _, ctx := newRedisBus(t)
	tCtx, cancel := context.WithTimeout(ctx, time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	if err := bus.Publish(tCtx, "key", syncbus.Event{}); !errors.Is(err, tethererrors.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}
