package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamConfig defines the JetStream stream that holds every CKG topic.
type StreamConfig struct {
	Name        string   // Stream name, the bus project id (e.g., "CKG")
	Subjects    []string // Topics captured by the stream
	MaxAge      time.Duration
	MaxBytes    int64
	Replicas    int
	Description string
}

// DefaultStreamConfig returns the stream configuration for a project and its topics.
func DefaultStreamConfig(project string, topics ...string) StreamConfig {
	return StreamConfig{
		Name:        project,
		Subjects:    topics,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Replicas:    1,
		Description: "CKG screening and patient status exchange",
	}
}

// EnsureStream creates or updates a JetStream stream with the given configuration.
// This is idempotent - safe to call multiple times.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Replicas:    cfg.Replicas,
		Description: cfg.Description,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		Duplicates:  2 * time.Minute,
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// ConsumerConfig defines a subscription: a durable pull consumer on one topic.
type ConsumerConfig struct {
	Name          string        // Subscription name (must be unique per stream)
	FilterSubject string        // Topic the subscription reads
	AckWait       time.Duration // Acknowledge deadline before redelivery
	MaxAckPending int           // Maximum outstanding unacknowledged messages
}

// DefaultSubscriptionConfig returns consumer configuration for a subscription on topic.
func DefaultSubscriptionConfig(name, topic string, ackWait time.Duration) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: topic,
		AckWait:       ackWait,
		MaxAckPending: 1000,
	}
}

// EnsureConsumer creates or updates a durable consumer on the given stream.
func EnsureConsumer(ctx context.Context, stream jetstream.Stream, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumerCfg := jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    -1,
		MaxAckPending: cfg.MaxAckPending,
		FilterSubject: cfg.FilterSubject,
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", cfg.Name, err)
	}

	return consumer, nil
}
