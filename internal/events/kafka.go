package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// DefaultTopic is where KafkaSink publishes when no topic override is given.
const DefaultTopic = "flowgate.events"

// KafkaSink publishes events as JSON messages, keyed by job ID (or event
// name) so per-entity ordering holds within a partition. The active trace
// context is injected into message headers.
type KafkaSink struct {
	writer *kafka.Writer
	topic  string
	logger *slog.Logger
}

// NewKafkaSink creates a sink writing to the given brokers.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{}, // route by key → deterministic partition
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
		// Auto-create topics if they don't exist
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: w, topic: topic, logger: logger}
}

// Emit publishes ev. A publish failure is logged and swallowed; the
// in-memory state that produced the event stays authoritative.
func (s *KafkaSink) Emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	value, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal event", slog.String("kind", string(ev.Kind)), slog.String("error", err.Error()))
		return
	}

	key := ev.JobID
	if key == "" {
		key = ev.Name
	}

	// Inject the active trace context into message headers so downstream
	// consumers can extract and continue the trace.
	headers := make(headerCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Topic:   s.topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header(headers),
		Time:    ev.At,
	})
	if err != nil {
		s.logger.Error("publish event",
			slog.String("kind", string(ev.Kind)),
			slog.String("topic", s.topic),
			slog.String("error", err.Error()),
		)
	}
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// headerCarrier adapts a Kafka message's []Header slice to the
// OpenTelemetry propagation.TextMapCarrier interface.
type headerCarrier []kafka.Header

// Get returns the value for the first header matching key, or "".
func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set writes key/value, replacing any existing header with the same key.
func (c *headerCarrier) Set(key, value string) {
	filtered := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			filtered = append(filtered, h)
		}
	}
	*c = append(filtered, kafka.Header{Key: key, Value: []byte(value)})
}

// Keys returns all header keys present in the carrier.
func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
