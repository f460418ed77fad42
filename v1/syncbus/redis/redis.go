package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

const (
	channelPrefix = "tether:bus:"
	seenTTL       = time.Minute
)

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan syncbus.Event
}

// RedisBus implements syncbus.Bus on Redis Pub/Sub. Every domain maps to
// its own channel and events travel as JSON.
type RedisBus struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[string]*redisSubscription

	seen      map[string]time.Time
	published atomic.Uint64
	delivered atomic.Uint64
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// RedisBusOptions configures the RedisBus.
type RedisBusOptions struct {
	Client *redis.Client
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	b := &RedisBus{
		client:  opts.Client,
		subs:    make(map[string]*redisSubscription),
		seen:    make(map[string]time.Time),
		closeCh: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.cleanupSeen()
	return b
}

func channelFor(domain string) string { return channelPrefix + domain }

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, domain string, evt syncbus.Event) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return tethererrors.ErrTimeout
		}
		return err
	}
	if evt.Domain == "" {
		evt.Domain = domain
	}
	if evt.Nonce == "" {
		evt.Nonce = uuid.NewString()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channelFor(domain), payload).Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return tethererrors.ErrTimeout
		}
		if errors.Is(err, redis.ErrClosed) {
			return tethererrors.ErrConnectionClosed
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, domain string) (<-chan syncbus.Event, error) {
	ch := make(chan syncbus.Event, 16)
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.subs[domain]
	if sub == nil {
		ps := b.client.Subscribe(ctx, channelFor(domain))
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		sub = &redisSubscription{pubsub: ps, chans: []chan syncbus.Event{ch}}
		b.subs[domain] = sub
		go b.dispatch(domain, sub)
	} else {
		sub.chans = append(sub.chans, ch)
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), domain, ch)
	}()
	return ch, nil
}

func (b *RedisBus) checkSeen(nonce string) bool {
	if nonce == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[nonce]; ok {
		return true
	}
	b.seen[nonce] = time.Now()
	return false
}

func (b *RedisBus) cleanupSeen() {
	defer b.wg.Done()
	ticker := time.NewTicker(seenTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			now := time.Now()
			for k, t := range b.seen {
				if now.Sub(t) > seenTTL {
					delete(b.seen, k)
				}
			}
			b.mu.Unlock()
		case <-b.closeCh:
			return
		}
	}
}

func (b *RedisBus) dispatch(domain string, sub *redisSubscription) {
	for msg := range sub.pubsub.Channel() {
		var evt syncbus.Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			slog.Warn("tether: dropping malformed bus event", "domain", domain, "error", err)
			continue
		}
		if b.checkSeen(evt.Nonce) {
			continue
		}

		b.mu.Lock()
		chans := append([]chan syncbus.Event(nil), sub.chans...)
		b.mu.Unlock()

		for _, c := range chans {
			select {
			case c <- evt:
				b.delivered.Add(1)
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, domain string, ch <-chan syncbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.subs[domain]
	if sub == nil {
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, domain)
		if sub.pubsub != nil {
			return sub.pubsub.Close()
		}
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close stops background work and drops every subscription. The client is
// owned by the caller.
func (b *RedisBus) Close() error {
	b.closeOnce.Do(func() { close(b.closeCh) })
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for domain, sub := range b.subs {
		for _, c := range sub.chans {
			close(c)
		}
		_ = sub.pubsub.Close()
		delete(b.subs, domain)
	}
	return nil
}
