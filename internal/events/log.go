package events

import (
	"context"
	"log/slog"
	"time"
)

// LogSink writes events to the structured logger. Used when no Kafka
// brokers are configured, and as the sink of last resort in tests.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	attrs := []any{
		slog.String("kind", string(ev.Kind)),
		slog.Time("at", ev.At),
	}
	if ev.JobID != "" {
		attrs = append(attrs, slog.String("job_id", ev.JobID))
	}
	if ev.JobType != "" {
		attrs = append(attrs, slog.String("job_type", ev.JobType))
	}
	if ev.TenantID != "" {
		attrs = append(attrs, slog.String("tenant_id", ev.TenantID))
	}
	if ev.Name != "" {
		attrs = append(attrs, slog.String("name", ev.Name))
	}
	if ev.From != "" || ev.To != "" {
		attrs = append(attrs, slog.String("from", ev.From), slog.String("to", ev.To))
	}
	if ev.Error != "" {
		attrs = append(attrs, slog.String("error", ev.Error))
	}
	s.logger.Info("event", attrs...)
}

func (s *LogSink) Close() error { return nil }
