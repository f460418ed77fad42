package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Action names the lease transition carried by an Event.
type Action string

const (
	ActionAcquired Action = "acquired"
	ActionRenewed  Action = "renewed"
	ActionReleased Action = "released"
)

// Event is a lease change published on a broadcast domain.
type Event struct {
	Domain     string    `json:"domain"`
	ContextKey string    `json:"contextKey"`
	Action     Action    `json:"action"`
	OwnerID    string    `json:"ownerId"`
	Operation  string    `json:"operation,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Nonce      string    `json:"nonce,omitempty"`
}

// Bus is the broadcast port shared by every context of a coordination
// domain. Delivery is best effort: a subscriber that misses an event
// recovers by reading the lease table again.
type Bus interface {
	Publish(ctx context.Context, domain string, evt Event) error
	Subscribe(ctx context.Context, domain string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, domain string, ch <-chan Event) error
}

// subscriberBuffer bounds how many events a slow subscriber may lag behind
// before new events are dropped for it.
const subscriberBuffer = 16

// InMemoryBus is a process-local implementation of Bus. Independent
// contexts in one process share a single instance.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, domain string, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if evt.Domain == "" {
		evt.Domain = domain
	}
	b.mu.Lock()
	chans := append([]chan Event(nil), b.subs[domain]...)
	b.published.Add(1)
	for _, ch := range chans {
		select {
		case ch <- evt:
			b.delivered.Add(1)
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is
// cancelled or Unsubscribe is called.
func (b *InMemoryBus) Subscribe(ctx context.Context, domain string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[domain] = append(b.subs[domain], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), domain, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, domain string, ch <-chan Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	subs := b.subs[domain]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[domain] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, domain)
	}
	b.mu.Unlock()
	return nil
}

// Metrics reports delivery counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// NoopBus discards every event. It suits single-context deployments.
type NoopBus struct{}

// Publish discards evt.
func (NoopBus) Publish(ctx context.Context, domain string, evt Event) error { return nil }

// Subscribe returns a channel that is closed when ctx ends.
func (NoopBus) Subscribe(ctx context.Context, domain string) (<-chan Event, error) {
	ch := make(chan Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// Unsubscribe is a no-op; the channel closes with its subscription context.
func (NoopBus) Unsubscribe(ctx context.Context, domain string, ch <-chan Event) error { return nil }
