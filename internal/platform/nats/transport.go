package nats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/marko911/sitb-ckg/internal/bus"
)

// OrderingKeyHeader carries the ordering key of a published message.
const OrderingKeyHeader = "ordering_key"

var ackPayload = []byte("+ACK")

// Transport maps the bus onto JetStream: the project is a stream, topics
// are subjects on it and subscriptions are durable pull consumers.
type Transport struct {
	client     *Client
	stream     string
	ackTimeout time.Duration
}

var (
	_ bus.Subscriber = (*Transport)(nil)
	_ bus.Publisher  = (*Transport)(nil)
)

// NewTransport creates a transport on the given stream.
func NewTransport(client *Client, stream string) *Transport {
	return &Transport{client: client, stream: stream, ackTimeout: 5 * time.Second}
}

// Provision ensures the stream captures topics and that every subscription
// exists as a durable consumer on its topic.
func (t *Transport) Provision(ctx context.Context, topics []string, subscriptions map[string]string, ackWait time.Duration) error {
	stream, err := EnsureStream(ctx, t.client.JetStream(), DefaultStreamConfig(t.stream, topics...))
	if err != nil {
		return err
	}

	names := make([]string, 0, len(subscriptions))
	for name := range subscriptions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := DefaultSubscriptionConfig(name, subscriptions[name], ackWait)
		if _, err := EnsureConsumer(ctx, stream, cfg); err != nil {
			return err
		}
	}
	return nil
}

// Pull fetches up to max messages, waiting at most wait.
func (t *Transport) Pull(ctx context.Context, subscription string, max int, wait time.Duration) ([]bus.Message, error) {
	consumer, err := t.client.JetStream().Consumer(ctx, t.stream, subscription)
	if err != nil {
		return nil, fmt.Errorf("consumer %s: %w", subscription, err)
	}

	batch, err := consumer.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var out []bus.Message
	for msg := range batch.Messages() {
		m, err := toMessage(msg)
		if err != nil {
			t.client.logger.Warn("skipping message without metadata",
				"subject", msg.Subject(),
				"error", err,
			)
			continue
		}
		out = append(out, m)
	}

	if err := batch.Error(); err != nil && !isFetchTimeout(err) {
		if len(out) == 0 {
			return nil, fmt.Errorf("fetch messages: %w", err)
		}
		t.client.logger.Warn("message iteration error", "subscription", subscription, "error", err)
	}
	return out, nil
}

// Ack acknowledges deliveries by their reply subjects and waits for the
// server to confirm each one.
func (t *Transport) Ack(ctx context.Context, subscription string, ackIDs []string) error {
	var errs []error
	for _, id := range ackIDs {
		reqCtx, cancel := context.WithTimeout(ctx, t.ackTimeout)
		_, err := t.client.nc.RequestWithContext(reqCtx, id, ackPayload)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("ack %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// SubscriptionExists reports whether the durable consumer exists.
func (t *Transport) SubscriptionExists(ctx context.Context, subscription string) (bool, error) {
	_, err := t.client.JetStream().Consumer(ctx, t.stream, subscription)
	if errors.Is(err, jetstream.ErrConsumerNotFound) || errors.Is(err, jetstream.ErrStreamNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consumer %s: %w", subscription, err)
	}
	return true, nil
}

// Outstanding returns the consumer's pending acknowledgements.
func (t *Transport) Outstanding(ctx context.Context, subscription string) (int, error) {
	consumer, err := t.client.JetStream().Consumer(ctx, t.stream, subscription)
	if err != nil {
		return 0, fmt.Errorf("consumer %s: %w", subscription, err)
	}
	info, err := consumer.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("consumer info %s: %w", subscription, err)
	}
	return info.NumAckPending, nil
}

// Publish sends msg to the topic subject. Attributes become headers and
// msg.ID is sent as Nats-Msg-Id, so a retried publish is dropped by the
// stream's duplicate window.
func (t *Transport) Publish(ctx context.Context, topic string, msg bus.OutgoingMessage) (string, error) {
	ack, err := t.client.JetStream().PublishMsg(ctx, toMsg(topic, msg))
	if err != nil {
		return "", fmt.Errorf("jetstream publish: %w", err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

func toMsg(topic string, msg bus.OutgoingMessage) *nats.Msg {
	m := nats.NewMsg(topic)
	m.Data = msg.Data
	for k, v := range msg.Attributes {
		m.Header.Set(k, v)
	}
	if msg.OrderingKey != "" {
		m.Header.Set(OrderingKeyHeader, msg.OrderingKey)
	}
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	m.Header.Set(nats.MsgIdHdr, id)
	return m
}

// TopicExists reports whether a stream captures topic.
func (t *Transport) TopicExists(ctx context.Context, topic string) (bool, error) {
	_, err := t.client.JetStream().StreamNameBySubject(ctx, topic)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup topic %s: %w", topic, err)
	}
	return true, nil
}

// Describe returns stream and consumer details for startup logging.
func (t *Transport) Describe(ctx context.Context, subscription string) (map[string]any, error) {
	stream, err := t.client.JetStream().Stream(ctx, t.stream)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", t.stream, err)
	}
	sinfo, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream info %s: %w", t.stream, err)
	}

	info := map[string]any{
		"stream":   sinfo.Config.Name,
		"subjects": sinfo.Config.Subjects,
		"messages": sinfo.State.Msgs,
	}
	if subscription == "" {
		return info, nil
	}

	consumer, err := stream.Consumer(ctx, subscription)
	if err != nil {
		return nil, fmt.Errorf("consumer %s: %w", subscription, err)
	}
	cinfo, err := consumer.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("consumer info %s: %w", subscription, err)
	}
	info["subscription"] = cinfo.Name
	info["ack_wait"] = cinfo.Config.AckWait.String()
	info["pending"] = cinfo.NumPending
	info["ack_pending"] = cinfo.NumAckPending
	return info, nil
}

func toMessage(msg jetstream.Msg) (bus.Message, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return bus.Message{}, err
	}
	return bus.Message{
		ID:          strconv.FormatUint(meta.Sequence.Stream, 10),
		AckID:       msg.Reply(),
		Data:        msg.Data(),
		Attributes:  attributes(msg.Headers()),
		PublishTime: meta.Timestamp,
		Deliveries:  int(meta.NumDelivered),
	}, nil
}

func attributes(h nats.Header) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
