package lock

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedisStore(client), mr
}

func TestRedisStoreAcquireRelease(t *testing.T) {
	store, mr := newRedisStore(t)
	m := NewManager(store, nil)
	ctx := context.Background()

	if ok, err := m.Acquire(ctx, "proj/frontend", "a", OpWrite, time.Minute); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if !mr.Exists(redisKeyPrefix + "proj/frontend") {
		t.Fatal("lease table not persisted")
	}
	if ok, err := m.Acquire(ctx, "proj/frontend", "b", OpWrite, time.Minute); err != nil || ok {
		t.Fatalf("expected denial, ok %v err %v", ok, err)
	}
	if err := m.Release(ctx, "proj/frontend", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists(redisKeyPrefix + "proj/frontend") {
		t.Fatal("empty lease table not removed")
	}
}

func TestRedisStoreSingleWriterUnderContention(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	var granted atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		m := NewManager(store, nil)
		owner := fmt.Sprintf("owner-%d", i)
		g.Go(func() error {
			ok, err := m.Acquire(ctx, "shared", owner, OpWrite, time.Minute)
			if ok {
				granted.Add(1)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := granted.Load(); got != 1 {
		t.Fatalf("expected exactly one grant, got %d", got)
	}
}

func TestRedisStoreCorruptTable(t *testing.T) {
	store, mr := newRedisStore(t)
	if err := mr.Set(redisKeyPrefix+"bad", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := store.Update(context.Background(), "bad", func(l []Lease) ([]Lease, error) { return l, nil })
	if err == nil {
		t.Fatal("expected decode error")
	}
}
