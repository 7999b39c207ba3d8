package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marko911/sitb-ckg/internal/metrics"
	"github.com/marko911/sitb-ckg/internal/retry"
)

// Options tunes the facade's retry policies.
type Options struct {
	// DefaultMaxMessages replaces a pull size outside 1..MaxPullMessages.
	DefaultMaxMessages int

	// PullWait bounds how long a pull waits for messages.
	PullWait time.Duration

	// RetryCount and RetryDelay drive pulls (linear backoff) and acks
	// (fixed delay).
	RetryCount int
	RetryDelay time.Duration

	// PublishAttempts bounds publishes, which back off exponentially from
	// PublishBackoff.
	PublishAttempts int
	PublishBackoff  time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		DefaultMaxMessages: 10,
		PullWait:           5 * time.Second,
		RetryCount:         3,
		RetryDelay:         time.Second,
		PublishAttempts:    3,
		PublishBackoff:     time.Second,
	}
}

// Facade wraps a transport with bounded retries. Either side may be nil
// for a process that only consumes or only produces.
type Facade struct {
	sub    Subscriber
	pub    Publisher
	opts   Options
	logger *slog.Logger

	pullPolicy    retry.Policy
	ackPolicy     retry.Policy
	publishPolicy retry.Policy
}

// NewFacade creates a facade over sub and pub.
func NewFacade(sub Subscriber, pub Publisher, opts Options, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultMaxMessages < 1 || opts.DefaultMaxMessages > MaxPullMessages {
		opts.DefaultMaxMessages = DefaultOptions().DefaultMaxMessages
	}

	return &Facade{
		sub:    sub,
		pub:    pub,
		opts:   opts,
		logger: logger.With("component", "bus"),
		pullPolicy: retry.Policy{
			MaxAttempts: opts.RetryCount,
			Backoff:     retry.Linear(opts.RetryDelay),
		},
		ackPolicy: retry.Policy{
			MaxAttempts: opts.RetryCount,
			Backoff:     retry.Constant(opts.RetryDelay),
		},
		publishPolicy: retry.Policy{
			MaxAttempts: opts.PublishAttempts,
			Backoff:     retry.Exponential(opts.PublishBackoff, 30*time.Second),
		},
	}
}

// Pull returns up to max messages from subscription. A max outside
// 1..MaxPullMessages is replaced by the default. Failures are retried and,
// once retries are exhausted, logged and reported as an empty pull.
func (f *Facade) Pull(ctx context.Context, subscription string, max int) []Message {
	if f.sub == nil {
		f.logger.Error("pull without subscriber", "subscription", subscription)
		return nil
	}
	if max < 1 || max > MaxPullMessages {
		f.logger.Warn("pull size out of range, using default",
			"requested", max,
			"default", f.opts.DefaultMaxMessages,
		)
		max = f.opts.DefaultMaxMessages
	}

	msgs, err := retry.Value(ctx, f.pullPolicy, func(ctx context.Context) ([]Message, error) {
		return f.sub.Pull(ctx, subscription, max, f.opts.PullWait)
	}, f.notify("pull", subscription))
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Error("pull failed, retries exhausted",
				"subscription", subscription,
				"attempts", f.pullPolicy.MaxAttempts,
				"error", err,
			)
		}
		return nil
	}
	return msgs
}

// Ack acknowledges deliveries. An error means the messages will be
// redelivered.
func (f *Facade) Ack(ctx context.Context, subscription string, ackIDs []string) error {
	if f.sub == nil {
		return ErrNoSubscriber
	}
	if len(ackIDs) == 0 {
		return nil
	}

	err := f.ackPolicy.Do(ctx, func(ctx context.Context) error {
		return f.sub.Ack(ctx, subscription, ackIDs)
	}, f.notify("ack", subscription))
	if err != nil {
		return fmt.Errorf("ack %d messages on %s: %w", len(ackIDs), subscription, err)
	}
	return nil
}

// Publish sends msg to topic and returns the bus-assigned message id.
// Every attempt carries the same msg.ID.
func (f *Facade) Publish(ctx context.Context, topic string, msg OutgoingMessage) (string, error) {
	if f.pub == nil {
		return "", ErrNoPublisher
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	id, err := retry.Value(ctx, f.publishPolicy, func(ctx context.Context) (string, error) {
		return f.pub.Publish(ctx, topic, msg)
	}, f.notify("publish", topic))
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// SubscriptionExists reports whether subscription is provisioned.
func (f *Facade) SubscriptionExists(ctx context.Context, subscription string) (bool, error) {
	if f.sub == nil {
		return false, ErrNoSubscriber
	}
	return f.sub.SubscriptionExists(ctx, subscription)
}

// TopicExists reports whether topic is provisioned.
func (f *Facade) TopicExists(ctx context.Context, topic string) (bool, error) {
	if f.pub == nil {
		return false, ErrNoPublisher
	}
	return f.pub.TopicExists(ctx, topic)
}

// Outstanding returns the number of unacknowledged deliveries.
func (f *Facade) Outstanding(ctx context.Context, subscription string) (int, error) {
	if f.sub == nil {
		return 0, ErrNoSubscriber
	}
	n, err := f.sub.Outstanding(ctx, subscription)
	if err != nil {
		return 0, fmt.Errorf("outstanding on %s: %w", subscription, err)
	}
	return n, nil
}

func (f *Facade) notify(op, target string) retry.Notify {
	return func(attempt int, err error, wait time.Duration) {
		metrics.Get().BusErrors.WithLabelValues(op).Inc()
		f.logger.Warn("bus operation failed, retrying",
			"op", op,
			"target", target,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}
}
