// Package watchbus carries byte-payload notifications to local observers.
//
// The sync engine publishes an Invalidation every time the durable cache is
// replaced; HTTP observers follow the same keys through SSEHandler.
package watchbus

import (
	"context"
	"encoding/json"
	"time"
)

// WatchBus provides a simple message bus for streaming events.
// Clients can publish messages to a key and watch for updates.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// PublishPrefix sends the data to all watchers of keys matching prefix.
	PublishPrefix(ctx context.Context, prefix string, data []byte) error
	// Watch subscribes to messages for key. Returned channel receives
	// message payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// SubscribePrefix subscribes to all messages for keys that have the given prefix.
	SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// KeyPrefix is shared by every cache invalidation key.
const KeyPrefix = "tether:cache:"

// CacheKey returns the invalidation key for the cache of a context.
func CacheKey(contextKey string) string {
	return KeyPrefix + contextKey
}

// Invalidation tells observers that the cache behind Key was replaced.
type Invalidation struct {
	Key       string    `json:"key"`
	SyncCount uint64    `json:"syncCount"`
	Total     int       `json:"total"`
	Source    string    `json:"source,omitempty"`
	At        time.Time `json:"at"`
}

// PublishInvalidation encodes inv and publishes it on inv.Key.
func PublishInvalidation(ctx context.Context, bus WatchBus, inv Invalidation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, inv.Key, data)
}

// DecodeInvalidation parses a payload produced by PublishInvalidation.
func DecodeInvalidation(data []byte) (Invalidation, error) {
	var inv Invalidation
	err := json.Unmarshal(data, &inv)
	return inv, err
}
