//go:build integration

package nats_test

import (
	"context"
	"testing"
	"time"

	"github.com/marko911/sitb-ckg/internal/bus"
	pnats "github.com/marko911/sitb-ckg/internal/platform/nats"
)

func TestTransportIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := pnats.DefaultConfig()
	cfg.Name = "integration-test"

	client, err := pnats.Connect(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer client.Close()

	topic := "ckg-integration-test"
	sub := "ckg-integration-test-sub"
	transport := pnats.NewTransport(client, "CKG_INTEGRATION")

	if err := transport.Provision(ctx, []string{topic}, map[string]string{sub: topic}, 30*time.Second); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	exists, err := transport.TopicExists(ctx, topic)
	if err != nil || !exists {
		t.Fatalf("TopicExists = (%v, %v), want (true, nil)", exists, err)
	}
	exists, err = transport.SubscriptionExists(ctx, sub)
	if err != nil || !exists {
		t.Fatalf("SubscriptionExists = (%v, %v), want (true, nil)", exists, err)
	}

	id, err := transport.Publish(ctx, topic, bus.OutgoingMessage{
		Data:        []byte(`{"transactionSource":"SKRINING-CKG-TB","data":[]}`),
		Attributes:  map[string]string{"source": "integration"},
		OrderingKey: "k1",
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	t.Logf("Published message seq=%s", id)

	msgs, err := transport.Pull(ctx, sub, 10, 2*time.Second)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(msgs) == 0 {
		t.Fatal("expected at least one message")
	}

	last := msgs[len(msgs)-1]
	if last.Attributes["source"] != "integration" || last.Attributes[pnats.OrderingKeyHeader] != "k1" {
		t.Errorf("unexpected attributes %v", last.Attributes)
	}

	ackIDs := make([]string, len(msgs))
	for i, m := range msgs {
		ackIDs[i] = m.AckID
	}
	if err := transport.Ack(ctx, sub, ackIDs); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	pending, err := transport.Outstanding(ctx, sub)
	if err != nil {
		t.Fatalf("Outstanding failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("expected no outstanding messages after ack, got %d", pending)
	}
}
