package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

const subjectPrefix = "tether."

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan syncbus.Event
}

// NATSBus implements syncbus.Bus using core NATS subjects.
type NATSBus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string]*natsSubscription
	processed map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:      conn,
		subs:      make(map[string]*natsSubscription),
		processed: make(map[string]struct{}),
	}
}

// subjectFor maps a domain onto a single subject token. Characters NATS
// treats as separators or wildcards are replaced; handlers compare the
// domain carried inside the event, so replacements never cross domains.
func subjectFor(domain string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")
	return subjectPrefix + r.Replace(domain)
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, domain string, evt syncbus.Event) error {
	if err := ctx.Err(); err != nil {
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

	backoff := 100 * time.Millisecond
	for {
		err = b.conn.Publish(subjectFor(domain), payload)
		if err == nil {
			b.published.Add(1)
			return nil
		}
		_ = b.reconnect()
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, domain string) (<-chan syncbus.Event, error) {
	ch := make(chan syncbus.Event, 16)
	backoff := 100 * time.Millisecond

	for {
		b.mu.Lock()
		if sub := b.subs[domain]; sub != nil {
			sub.chans = append(sub.chans, ch)
			b.mu.Unlock()
			break
		}
		ns, err := b.conn.Subscribe(subjectFor(domain), b.natsHandler(domain))
		if err == nil {
			b.subs[domain] = &natsSubscription{sub: ns, chans: []chan syncbus.Event{ch}}
			b.mu.Unlock()
			// make sure the server registered interest before returning
			if err := b.conn.Flush(); err != nil {
				slog.Warn("tether: nats flush after subscribe", "domain", domain, "error", err)
			}
			break
		}
		b.mu.Unlock()
		_ = b.reconnect()
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}
		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), domain, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, domain string, ch <-chan syncbus.Event) error {
	b.mu.Lock()
	sub := b.subs[domain]
	if sub == nil {
		b.mu.Unlock()
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
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

func (b *NATSBus) natsHandler(domain string) nats.MsgHandler {
	return func(m *nats.Msg) {
		var evt syncbus.Event
		if err := json.Unmarshal(m.Data, &evt); err != nil {
			slog.Warn("tether: dropping malformed bus event", "domain", domain, "error", err)
			return
		}
		if evt.Domain != domain {
			return
		}
		b.mu.Lock()
		if _, ok := b.processed[evt.Nonce]; ok && evt.Nonce != "" {
			b.mu.Unlock()
			return
		}
		b.processed[evt.Nonce] = struct{}{}
		var chans []chan syncbus.Event
		if sub := b.subs[domain]; sub != nil {
			chans = append(chans, sub.chans...)
		}
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

func (b *NATSBus) reconnect() error {
	if b.conn != nil && b.conn.IsConnected() {
		return nil
	}
	newConn, err := b.conn.Opts.Connect()
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = newConn
	for domain, sub := range b.subs {
		ns, err := b.conn.Subscribe(subjectFor(domain), b.natsHandler(domain))
		if err != nil {
			continue
		}
		sub.sub = ns
	}
	b.mu.Unlock()
	return nil
}
