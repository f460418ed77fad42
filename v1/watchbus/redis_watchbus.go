package watchbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
)

const (
	indexKey      = "tether:watch:index"
	streamMaxLen  = 256
	retryInterval = time.Second
)

// RedisWatchBus uses Redis Streams to implement WatchBus. Keyed watchers
// read the stream named after the key; prefix subscribers use PSUBSCRIBE.
type RedisWatchBus struct {
	client        *redis.Client
	mu            sync.Mutex
	cancels       map[string]map[chan []byte]context.CancelFunc
	prefixCancels map[string]map[chan []byte]context.CancelFunc
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client *redis.Client) *RedisWatchBus {
	return &RedisWatchBus{
		client:        client,
		cancels:       make(map[string]map[chan []byte]context.CancelFunc),
		prefixCancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

func wrapRedisErr(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return tethererrors.ErrTimeout
	case errors.Is(err, redis.ErrClosed):
		return tethererrors.ErrConnectionClosed
	}
	return fmt.Errorf("watchbus: %s: %w", op, err)
}

// Publish appends data to the stream identified by key and notifies
// prefix subscribers.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Values: map[string]any{"data": data},
	}).Err()
	if err != nil {
		return wrapRedisErr("xadd", err)
	}
	if err := b.client.Publish(ctx, key, data).Err(); err != nil {
		return wrapRedisErr("publish", err)
	}
	return nil
}

// PublishPrefix publishes the message to all watched keys having the given prefix.
func (b *RedisWatchBus) PublishPrefix(ctx context.Context, prefix string, data []byte) error {
	var cursor uint64
	for {
		keys, next, err := b.client.SScan(ctx, indexKey, cursor, prefix+"*", 100).Result()
		if err != nil {
			return wrapRedisErr("sscan", err)
		}
		for _, k := range keys {
			if err := b.Publish(ctx, k, data); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if err := b.client.Publish(ctx, prefix, data).Err(); err != nil {
		return wrapRedisErr("publish", err)
	}
	return nil
}

// Watch reads new entries of the stream key.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Resolve the stream tail now so entries published right after Watch
	// returns are not skipped.
	lastID := "0-0"
	tail, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return nil, wrapRedisErr("xrevrange", err)
	}
	if len(tail) > 0 {
		lastID = tail[0].ID
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, watcherBuffer)

	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	first := len(m) == 1
	b.mu.Unlock()
	if first {
		if err := b.client.SAdd(ctx, indexKey, key).Err(); err != nil {
			slog.Warn("tether: watch index update failed", "key", key, "error", err)
		}
	}

	go b.readStream(ctx, key, lastID, ch)
	return ch, nil
}

func (b *RedisWatchBus) readStream(ctx context.Context, key, lastID string, ch chan []byte) {
	defer close(ch)
	for {
		res, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Block:   0,
			Count:   16,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("tether: watch stream read failed", "key", key, "error", err)
			select {
			case <-time.After(retryInterval):
				continue
			case <-ctx.Done():
				return
			}
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				lastID = msg.ID
				v, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				select {
				case ch <- []byte(v):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// SubscribePrefix subscribes to all channels matching the given prefix.
func (b *RedisWatchBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	ps := b.client.PSubscribe(ctx, prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, wrapRedisErr("psubscribe", err)
	}
	ch := make(chan []byte, watcherBuffer)

	b.mu.Lock()
	m := b.prefixCancels[prefix]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.prefixCancels[prefix] = m
	}
	m[ch] = func() {
		cancel()
		_ = ps.Close()
	}
	b.mu.Unlock()

	go func() {
		defer close(ch)
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Unwatch stops watching the given key and channel. The channel is closed
// by its reader goroutine.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	if m, ok := b.cancels[key]; ok {
		if cancel, ok := m[ch]; ok {
			delete(m, ch)
			last := len(m) == 0
			if last {
				delete(b.cancels, key)
			}
			b.mu.Unlock()
			cancel()
			if last {
				if err := b.client.SRem(ctx, indexKey, key).Err(); err != nil {
					return wrapRedisErr("srem", err)
				}
			}
			return nil
		}
	}
	if m, ok := b.prefixCancels[key]; ok {
		if cancel, ok := m[ch]; ok {
			delete(m, ch)
			if len(m) == 0 {
				delete(b.prefixCancels, key)
			}
			b.mu.Unlock()
			cancel()
			return nil
		}
	}
	b.mu.Unlock()
	return nil
}
