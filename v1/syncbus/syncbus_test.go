package syncbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "coordination:a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	evt := Event{ContextKey: "a", Action: ActionAcquired, OwnerID: "s1", Operation: "write"}
	if err := bus.Publish(context.Background(), "coordination:a", evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.Domain != "coordination:a" {
			t.Fatalf("expected domain to be filled in, got %q", got.Domain)
		}
		if got.OwnerID != "s1" || got.Action != ActionAcquired {
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

func TestDomainsAreIsolated(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := bus.Subscribe(ctx, "coordination:a")
	b, _ := bus.Subscribe(ctx, "coordination:b")

	if err := bus.Publish(ctx, "coordination:a", Event{Action: ActionReleased}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-a:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event on a")
	}
	select {
	case evt := <-b:
		t.Fatalf("unexpected event on b: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEveryEventIsDelivered(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := bus.Subscribe(ctx, "d")
	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, "d", Event{Action: ActionRenewed}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestContextBasedUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "key")
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

func TestPublishContextCanceled(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, "key", Event{}); err == nil {
		t.Fatal("expected error from canceled context")
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := bus.Subscribe(ctx, "key"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			_ = bus.Publish(ctx, "key", Event{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	if got := bus.Metrics().Delivered; got != subscriberBuffer {
		t.Fatalf("expected %d delivered, got %d", subscriberBuffer, got)
	}
}

func TestNoopBus(t *testing.T) {
	var bus Bus = NoopBus{}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "key", Event{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("noop bus delivered an event")
		}
	case <-time.After(time.Second):
		t.Fatal("noop subscription not closed")
	}
}
