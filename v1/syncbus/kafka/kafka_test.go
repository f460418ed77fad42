package kafka

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

func TestTopicFor(t *testing.T) {
	got := TopicFor("coordination:app%2Fx/frontend")
	if got != "tether.coordination_app_2Fx_frontend" {
		t.Fatalf("unexpected topic %q", got)
	}

	long := "coordination:" + strings.Repeat("a", 400)
	topic := TopicFor(long)
	if len(topic) != maxTopicLength {
		t.Fatalf("expected topic length %d got %d", maxTopicLength, len(topic))
	}
	if TopicFor(long+"b") == topic {
		t.Fatal("distinct long domains mapped to the same topic")
	}
}

func TestKafkaBusPublishSubscribe(t *testing.T) {
	addr := os.Getenv("TETHER_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("TETHER_TEST_KAFKA_ADDR not set")
	}
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	bus, err := NewKafkaBus([]string{addr}, cfg)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	domain := "coordination:kafka-test"
	// the first publish creates the topic when auto-creation is enabled
	_ = bus.Publish(ctx, domain, syncbus.Event{Action: syncbus.ActionAcquired})

	ch, err := bus.Subscribe(ctx, domain)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, domain, syncbus.Event{OwnerID: "k1", Action: syncbus.ActionReleased}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case evt := <-ch:
		if evt.OwnerID != "k1" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for kafka event")
	}
}
