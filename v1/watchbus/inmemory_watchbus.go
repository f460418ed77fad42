package watchbus

import (
	"context"
	"strings"
	"sync"
)

const watcherBuffer = 4

// InMemoryWatchBus is an in-memory implementation of WatchBus. Slow watchers
// miss notifications instead of blocking publishers.
type InMemoryWatchBus struct {
	mu       sync.Mutex
	subs     map[string][]chan []byte
	prefixes map[string][]chan []byte
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{
		subs:     make(map[string][]chan []byte),
		prefixes: make(map[string][]chan []byte),
	}
}

// Publish sends data to all watchers of key and to prefix subscribers
// whose prefix matches key.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	chans := append([]chan []byte(nil), b.subs[key]...)
	for p, subs := range b.prefixes {
		if strings.HasPrefix(key, p) {
			chans = append(chans, subs...)
		}
	}
	b.mu.Unlock()
	deliver(chans, data)
	return nil
}

// PublishPrefix sends data to every watched key starting with prefix and to
// subscribers of prefix itself.
func (b *InMemoryWatchBus) PublishPrefix(ctx context.Context, prefix string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	var chans []chan []byte
	for k, subs := range b.subs {
		if strings.HasPrefix(k, prefix) {
			chans = append(chans, subs...)
		}
	}
	chans = append(chans, b.prefixes[prefix]...)
	b.mu.Unlock()
	deliver(chans, data)
	return nil
}

func deliver(chans []chan []byte, data []byte) {
	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.add(ctx, b.subs, key)
}

// SubscribePrefix subscribes to every key starting with prefix.
func (b *InMemoryWatchBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.add(ctx, b.prefixes, prefix)
}

func (b *InMemoryWatchBus) add(ctx context.Context, m map[string][]chan []byte, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan []byte, watcherBuffer)
	b.mu.Lock()
	m[key] = append(m[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch removes ch from the watchers of key, whether it was registered
// with Watch or SubscribePrefix. Removing an unknown channel is a no-op.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remove(b.subs, key, ch) {
		return nil
	}
	remove(b.prefixes, key, ch)
	return nil
}

func remove(m map[string][]chan []byte, key string, ch chan []byte) bool {
	subs := m[key]
	for i, c := range subs {
		if c != ch {
			continue
		}
		subs[i] = subs[len(subs)-1]
		subs = subs[:len(subs)-1]
		if len(subs) == 0 {
			delete(m, key)
		} else {
			m[key] = subs
		}
		close(c)
		return true
	}
	return false
}
