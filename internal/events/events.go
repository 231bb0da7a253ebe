// Package events publishes order lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/xenking/ucp-merchant/internal/domain/checkout"
	"github.com/xenking/ucp-merchant/internal/domain/order"
)

const TypeOrderCreated = "order.created"

// Envelope wraps every published payload.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ checkout.Publisher = (*KafkaPublisher)(nil)

// KafkaPublisher writes events to one topic, keyed by checkout session so
// events of one purchase stay ordered within a partition.
type KafkaPublisher struct {
	w   MessageWriter
	now func() time.Time
}

// NewKafkaPublisher connects a writer to brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return NewPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	})
}

// NewPublisher wraps an existing writer.
func NewPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w, now: time.Now}
}

func (p *KafkaPublisher) OrderCreated(ctx context.Context, o *order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return errors.Wrap(err, "marshal order")
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       TypeOrderCreated,
		OccurredAt: p.now().UTC(),
		Data:       data,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	msg := kafka.Message{
		Key:   []byte(o.CheckoutSessionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(TypeOrderCreated)},
			{Key: "event_id", Value: []byte(env.ID)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrap(err, "write message")
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// Noop drops every event.
type Noop struct{}

var _ checkout.Publisher = Noop{}

func (Noop) OrderCreated(context.Context, *order.Order) error { return nil }
