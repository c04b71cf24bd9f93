// Package agencysync relays convention events to the Kafka topics the
// agencies' external systems consume.
package agencysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/conventions/libs/kafkax"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/eventbus"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
)

const HandlerID = "agency-sync-relay"

const DefaultPrefix = "agency-sync"

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Subscriber interface {
	Subscribe(topic events.Topic, handlerID string, h eventbus.Handler) error
}

// DefaultTopics is every topic except magic link renewals, whose payload
// carries a login link.
func DefaultTopics() []events.Topic {
	var out []events.Topic
	for _, t := range events.AllTopics() {
		if t != events.TopicMagicLinkRenewalRequested {
			out = append(out, t)
		}
	}
	return out
}

type Relay struct {
	writer MessageWriter
	prefix string
	topics []events.Topic
	logger *slog.Logger
}

func NewRelay(writer MessageWriter, prefix string, topics []events.Topic, logger *slog.Logger) (*Relay, error) {
	if writer == nil {
		return nil, errors.New("agencysync: writer is required")
	}
	if len(topics) == 0 {
		topics = DefaultTopics()
	}
	for _, t := range topics {
		if !t.Valid() {
			return nil, fmt.Errorf("agencysync: %w: %q", events.ErrUnknownTopic, t)
		}
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		writer: writer,
		prefix: prefix,
		topics: append([]events.Topic(nil), topics...),
		logger: logger.With("component", "agencysync"),
	}, nil
}

// NewKafkaWriter builds the producer the relay writes through. Messages are
// keyed by aggregate id so one convention stays on one partition.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Balancer:     &kafka.Hash{},
		RequiredAcks: int(kafka.RequireAll),
	})
}

func (r *Relay) Register(bus Subscriber) error {
	for _, t := range r.topics {
		if err := bus.Subscribe(t, HandlerID, r.Handle); err != nil {
			return fmt.Errorf("subscribe %s to %s: %w", HandlerID, t, err)
		}
	}
	return nil
}

// Handle writes evt as one Kafka message. A write error fails the handler so
// the crawler retries it.
func (r *Relay) Handle(ctx context.Context, evt events.Event) error {
	msg, err := Message(ctx, r.prefix, evt)
	if err != nil {
		return err
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", msg.Topic, err)
	}
	r.logger.DebugContext(ctx, "event relayed",
		"event_id", evt.ID.String(), "topic", string(evt.Topic), "kafka_topic", msg.Topic)
	return nil
}

func Message(ctx context.Context, prefix string, evt events.Event) (kafka.Message, error) {
	if evt.Payload == nil {
		return kafka.Message{}, fmt.Errorf("event %s has no payload", evt.ID)
	}
	value, err := events.EncodePayload(evt.Payload)
	if err != nil {
		return kafka.Message{}, err
	}
	meta := kafkax.EventMeta{EventID: evt.ID.String(), EventType: string(evt.Topic)}
	return kafka.Message{
		Topic:   kafkax.TopicName(prefix, string(evt.Topic)),
		Key:     []byte(evt.Payload.AggregateID()),
		Value:   value,
		Headers: kafkax.InjectTraceHeaders(ctx, meta.Headers()),
		Time:    evt.OccurredAt,
	}, nil
}
