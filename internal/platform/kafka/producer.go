// Package kafka provides the Kafka publish transport of the CKG bus.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marko911/sitb-ckg/internal/bus"
)

// Publisher publishes bus messages as Kafka records. Attributes become
// record headers and the ordering key becomes the record key, so ordered
// messages share a partition.
type Publisher struct {
	client *kgo.Client
	admin  *kadm.Client
	logger *slog.Logger
}

var _ bus.Publisher = (*Publisher)(nil)

// NewPublisher connects a producer to the seed brokers.
func NewPublisher(brokers []string, clientID string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	seeds := make([]string, 0, len(brokers))
	for _, b := range brokers {
		for _, s := range strings.Split(b, ",") {
			if s = strings.TrimSpace(s); s != "" {
				seeds = append(seeds, s)
			}
		}
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("create kafka client: no brokers")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(seeds...),
		kgo.ClientID(clientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Publisher{
		client: client,
		admin:  kadm.NewClient(client),
		logger: logger.With("component", "kafka"),
	}, nil
}

// Publish produces msg synchronously and returns "<partition>-<offset>".
func (p *Publisher) Publish(ctx context.Context, topic string, msg bus.OutgoingMessage) (string, error) {
	record := toRecord(topic, msg)

	results := p.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return "", fmt.Errorf("kafka produce: %w", err)
	}
	r, _ := results.First()
	return fmt.Sprintf("%d-%d", r.Partition, r.Offset), nil
}

// Close flushes and releases the client.
func (p *Publisher) Close() {
	p.client.Close()
}

// MessageIDHeader carries the publish id, so consumers can drop a record
// repeated by a retried publish.
const MessageIDHeader = "message_id"

func toRecord(topic string, msg bus.OutgoingMessage) *kgo.Record {
	record := &kgo.Record{
		Topic: topic,
		Value: msg.Data,
	}
	if msg.OrderingKey != "" {
		record.Key = []byte(msg.OrderingKey)
	}

	keys := make([]string, 0, len(msg.Attributes))
	for k := range msg.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(msg.Attributes[k])})
	}
	if msg.ID != "" {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: MessageIDHeader, Value: []byte(msg.ID)})
	}
	return record
}
