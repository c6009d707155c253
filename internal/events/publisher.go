package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/Xausdorf/reactpoll/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes poll lifecycle events keyed by poll code, so the
// events of one poll land on one partition in order.
type KafkaPublisher struct {
	writer messageWriter
	log    zerolog.Logger
}

// NewKafkaPublisher returns a publisher writing asynchronously: Notify never
// waits for the brokers, delivery failures are logged.
func NewKafkaPublisher(brokers []string, topic string, log zerolog.Logger) *KafkaPublisher {
	log = log.With().Str("component", "events").Str("topic", topic).Logger()
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  5,
		Compression:  kafka.Snappy,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error().Err(err).Int("messages", len(messages)).Msg("could not deliver poll events")
			}
		},
	}
	return &KafkaPublisher{writer: w, log: log}
}

func (p *KafkaPublisher) Notify(ctx context.Context, ev domain.PollEvent) {
	value, err := json.Marshal(ev)
	if err != nil {
		p.log.Error().Err(err).Str("code", ev.Code).Msg("could not encode poll event")
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.Code),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if err = p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error().Err(err).Str("code", ev.Code).Str("type", string(ev.Type)).Msg("could not publish poll event")
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop drops every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) Notify(context.Context, domain.PollEvent) {}

func (Nop) Close() error { return nil }
