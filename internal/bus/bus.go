// Package bus is the pub/sub facade used by both pipelines. Transports
// implement Subscriber and Publisher; Facade applies the pull, ack and
// publish retry policies on top of them.
package bus

import (
	"context"
	"errors"
	"time"
)

// MaxPullMessages is the largest batch a single pull may request.
const MaxPullMessages = 1000

var (
	// ErrNoSubscriber is returned by subscriber operations on a facade built
	// without one.
	ErrNoSubscriber = errors.New("bus: no subscriber configured")

	// ErrNoPublisher is returned by Publish on a facade built without a
	// publisher.
	ErrNoPublisher = errors.New("bus: no publisher configured")
)

// Message is a delivery pulled from a subscription.
type Message struct {
	// ID is assigned by the bus and is stable across redeliveries.
	ID string

	// AckID acknowledges this delivery.
	AckID string

	Data        []byte
	Attributes  map[string]string
	PublishTime time.Time

	// Deliveries counts how many times the bus has delivered the message.
	Deliveries int
}

// Size approximates the bytes the message holds in memory.
func (m Message) Size() int64 {
	n := len(m.Data)
	for k, v := range m.Attributes {
		n += len(k) + len(v)
	}
	return int64(n)
}

// OutgoingMessage is a message to publish.
type OutgoingMessage struct {
	// ID is kept across publish attempts so the bus can drop a repeated
	// send. Facade.Publish fills it when empty.
	ID string

	Data       []byte
	Attributes map[string]string

	// OrderingKey groups messages that must be delivered in order. Empty
	// disables ordering.
	OrderingKey string
}

// Subscriber pulls and acknowledges messages.
type Subscriber interface {
	// Pull returns up to max messages, waiting at most wait for them.
	Pull(ctx context.Context, subscription string, max int, wait time.Duration) ([]Message, error)
	Ack(ctx context.Context, subscription string, ackIDs []string) error
	SubscriptionExists(ctx context.Context, subscription string) (bool, error)

	// Outstanding returns the number of delivered but unacknowledged
	// messages on the subscription.
	Outstanding(ctx context.Context, subscription string) (int, error)
}

// Publisher publishes messages to topics.
type Publisher interface {
	// Publish returns the id the bus assigned to the message.
	Publish(ctx context.Context, topic string, msg OutgoingMessage) (string, error)
	TopicExists(ctx context.Context, topic string) (bool, error)
}
