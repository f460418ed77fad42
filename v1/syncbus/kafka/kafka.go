package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

const (
	topicPrefix    = "tether."
	maxTopicLength = 200
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan syncbus.Event
}

// KafkaBus implements syncbus.Bus with one Kafka topic per domain.
type KafkaBus struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	client    sarama.Client
	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		client:   client,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

// TopicFor maps a domain onto a legal Kafka topic name. Long names are
// truncated and suffixed with a hash of the full domain.
func TopicFor(domain string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, domain)
	if len(topicPrefix)+len(name) > maxTopicLength {
		h := fnv.New64a()
		_, _ = h.Write([]byte(domain))
		suffix := fmt.Sprintf("-%016x", h.Sum64())
		name = name[:maxTopicLength-len(topicPrefix)-len(suffix)] + suffix
	}
	return topicPrefix + name
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, domain string, evt syncbus.Event) error {
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
	msg := &sarama.ProducerMessage{
		Topic: TopicFor(domain),
		Key:   sarama.StringEncoder(evt.ContextKey),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, domain string) (<-chan syncbus.Event, error) {
	ch := make(chan syncbus.Event, 16)
	b.mu.Lock()
	sub := b.subs[domain]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(TopicFor(domain), 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[domain] = sub
		go b.dispatch(sub, domain)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), domain, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(sub *kafkaSubscription, domain string) {
	for msg := range sub.pc.Messages() {
		var evt syncbus.Event
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			slog.Warn("tether: dropping malformed bus event", "domain", domain, "error", err)
			continue
		}
		if evt.Domain != domain {
			continue
		}

		b.mu.Lock()
		chans := append([]chan syncbus.Event(nil), sub.chans...)
		b.mu.Unlock()

		for _, ch := range chans {
			select {
			case ch <- evt:
				b.delivered.Add(1)
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, domain string, ch <-chan syncbus.Event) error {
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
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() error {
	_ = b.producer.Close()
	_ = b.consumer.Close()
	return b.client.Close()
}
