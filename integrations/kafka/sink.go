// Package kafka publishes voucher events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"voucherkit/core"
)

// Config selects the brokers and topic.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// Writer is the subset of *kafka.Writer the sink needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a writer that keys messages by user id.
func NewWriter(cfg Config) *kafka.Writer {
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 50 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batch,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// Sink writes every event it receives as a JSON message keyed by user id.
type Sink struct {
	writer Writer
	logger zerolog.Logger
}

func NewSink(w Writer, logger zerolog.Logger) *Sink {
	return &Sink{writer: w, logger: logger.With().Str("component", "kafka_sink").Logger()}
}

// headerCarrier adapts kafka headers to the otel propagator.
type headerCarrier struct{ headers *[]kafka.Header }

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	out := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		out = append(out, h.Key)
	}
	return out
}

var _ propagation.TextMapCarrier = headerCarrier{}

// Message encodes an event. Trace context of ctx travels in the headers.
func Message(ctx context.Context, e core.Event) (kafka.Message, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	msg := kafka.Message{
		Key:     []byte(e.UserID),
		Value:   body,
		Time:    e.Time,
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(e.Type)}},
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{&msg.Headers})
	return msg, nil
}

// OnEvent publishes e; failures are logged.
func (s *Sink) OnEvent(ctx context.Context, e core.Event) {
	msg, err := Message(ctx, e)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode event")
		return
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("event", string(e.Type)).Str("user", string(e.UserID)).Msg("event not produced")
	}
}

func (s *Sink) Close() error { return s.writer.Close() }
