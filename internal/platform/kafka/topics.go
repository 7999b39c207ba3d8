package kafka

import (
	"context"
	"fmt"
)

// TopicConfig defines the configuration for a Kafka topic.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	RetentionMs       int64
	CleanupPolicy     string
}

// DefaultTopicConfig returns the configuration for a CKG exchange topic.
func DefaultTopicConfig(name string) TopicConfig {
	return TopicConfig{
		Name:              name,
		Partitions:        4,
		ReplicationFactor: 1,
		RetentionMs:       7 * 24 * 60 * 60 * 1000, // 7 days
		CleanupPolicy:     "delete",
	}
}

// EnsureTopics creates topics if they don't exist.
func (p *Publisher) EnsureTopics(ctx context.Context, configs ...TopicConfig) error {
	existing, err := p.admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, cfg := range configs {
		if existing.Has(cfg.Name) {
			continue
		}
		if err := p.createTopic(ctx, cfg); err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
		p.logger.Info("topic created", "topic", cfg.Name, "partitions", cfg.Partitions)
	}

	return nil
}

func (p *Publisher) createTopic(ctx context.Context, cfg TopicConfig) error {
	resp, err := p.admin.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor,
		map[string]*string{
			"retention.ms":   stringPtr(fmt.Sprintf("%d", cfg.RetentionMs)),
			"cleanup.policy": stringPtr(cfg.CleanupPolicy),
		},
		cfg.Name,
	)
	if err != nil {
		return fmt.Errorf("create topic: %w", err)
	}

	for _, r := range resp {
		if r.Err != nil {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}

	return nil
}

// TopicExists reports whether the broker knows topic.
func (p *Publisher) TopicExists(ctx context.Context, topic string) (bool, error) {
	details, err := p.admin.ListTopics(ctx, topic)
	if err != nil {
		return false, fmt.Errorf("list topics: %w", err)
	}
	d, ok := details[topic]
	return ok && d.Err == nil, nil
}

func stringPtr(s string) *string {
	return &s
}
