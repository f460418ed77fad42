package watchbus

import (
	"context"
	"testing"
	"time"
)

func expectMsg(t *testing.T, ch chan []byte, want string) {
	t.Helper()
	select {
	case msg := <-ch:
		if string(msg) != want {
			t.Fatalf("unexpected %s, want %s", msg, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func TestInMemoryWatchBus(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "foo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "foo", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectMsg(t, ch, "hello")
	if err := bus.Unwatch(ctx, "foo", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unwatch")
	}
}

func TestInMemoryWatchBusPrefix(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	chKey, err := bus.Watch(ctx, "foo1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	chPrefix, err := bus.SubscribePrefix(ctx, "foo")
	if err != nil {
		t.Fatalf("sub prefix: %v", err)
	}
	if err := bus.Publish(ctx, "foo1", []byte("a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectMsg(t, chKey, "a")
	expectMsg(t, chPrefix, "a")

	if err := bus.PublishPrefix(ctx, "foo", []byte("b")); err != nil {
		t.Fatalf("publish prefix: %v", err)
	}
	expectMsg(t, chKey, "b")
	expectMsg(t, chPrefix, "b")

	if err := bus.Publish(ctx, "bar", []byte("c")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-chPrefix:
		t.Fatalf("prefix subscriber received foreign key message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
	_ = bus.Unwatch(ctx, "foo1", chKey)
	_ = bus.Unwatch(ctx, "foo", chPrefix)
}

func TestInMemoryWatchBusContextUnwatch(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Watch(ctx, "foo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(time.Second):
		t.Fatal("watch not released on cancel")
	}
}

func TestInMemoryWatchBusCancelledPublish(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, "foo", nil); err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if _, err := bus.Watch(ctx, "foo"); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestCacheKey(t *testing.T) {
	if got := CacheKey("proj/frontend"); got != "tether:cache:proj/frontend" {
		t.Fatalf("unexpected key %q", got)
	}
}
