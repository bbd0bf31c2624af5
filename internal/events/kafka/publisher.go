package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"paygate/internal/events"
)

// Publisher writes StatusChanged events to a Kafka topic keyed by order id,
// so all transitions of one order land on one partition in commit order.
type Publisher struct {
	writer *kafka.Writer
	topic  string
}

// NewPublisher creates a new Kafka publisher for status change events
func NewPublisher(brokers []string, topic string) *Publisher {
	if topic == "" {
		topic = events.TopicStatusChanged
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: writer, topic: topic}
}

// Close closes the Kafka writer
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func (p *Publisher) Publish(ctx context.Context, ev events.StatusChanged) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.OrderID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(events.TopicStatusChanged)},
			{Key: "event_id", Value: []byte(ev.EventID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Error().Err(err).
			Str("topic", p.topic).
			Int64("payment_id", ev.PaymentID).
			Msg("status change publish failed")
		return err
	}

	log.Info().
		Str("topic", p.topic).
		Int64("payment_id", ev.PaymentID).
		Int64("order_id", ev.OrderID).
		Str("to", ev.To).
		Msg("status change published")
	return nil
}

var _ events.Publisher = (*Publisher)(nil)
