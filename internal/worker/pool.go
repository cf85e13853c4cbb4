package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/flowgate/internal/domain"
	"github.com/ramiqadoumi/flowgate/internal/handlers"
	"github.com/ramiqadoumi/flowgate/internal/queue"
	"github.com/ramiqadoumi/flowgate/pkg/telemetry"
)

// Pool runs a fixed set of workers that lease jobs from the queue and
// dispatch them to registered handlers.
type Pool struct {
	queue    *queue.Queue
	registry *handlers.Registry
	idPrefix string
	size     int
	poll     time.Duration
	timeout  time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

func WithSize(n int) Option                  { return func(p *Pool) { p.size = n } }
func WithPollInterval(d time.Duration) Option { return func(p *Pool) { p.poll = d } }
func WithTimeout(d time.Duration) Option      { return func(p *Pool) { p.timeout = d } }
func WithClock(c clockwork.Clock) Option      { return func(p *Pool) { p.clock = c } }
func WithLogger(l *slog.Logger) Option        { return func(p *Pool) { p.logger = l } }
func WithIDPrefix(prefix string) Option       { return func(p *Pool) { p.idPrefix = prefix } }

// NewPool constructs a Pool with the given dependencies and options.
func NewPool(q *queue.Queue, registry *handlers.Registry, opts ...Option) *Pool {
	p := &Pool{
		queue:    q,
		registry: registry,
		idPrefix: "worker",
		size:     4,
		poll:     250 * time.Millisecond,
		timeout:  30 * time.Second,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has settled.
func (p *Pool) Run(ctx context.Context) error {
	for i := 0; i < p.size; i++ {
		workerID := fmt.Sprintf("%s-%d", p.idPrefix, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runLoop(ctx, workerID)
		}()
	}
	p.wg.Wait()
	return nil
}

// InFlight reports how many jobs are currently being handled.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

func (p *Pool) runLoop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		lease, err := p.queue.DequeueNext(ctx, workerID)
		switch {
		case err == nil:
			p.process(ctx, workerID, lease)
		case errors.Is(err, domain.ErrQueueClosed):
			return
		case errors.Is(err, domain.ErrEmpty):
			p.idle(ctx)
		default:
			p.logger.Error("dequeue failed",
				slog.String("worker_id", workerID),
				slog.String("error", err.Error()),
			)
			p.idle(ctx)
		}
	}
}

func (p *Pool) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-p.clock.After(p.poll):
	}
}

func (p *Pool) process(ctx context.Context, workerID string, lease *queue.Lease) {
	job := lease.Job

	_, span := otel.Tracer("worker").Start(ctx, "worker.process_job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", job.Type),
		attribute.Int("job.attempt", job.Retries),
		attribute.String("worker.id", workerID),
	)

	log := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.String("worker_id", workerID),
	)

	h, err := p.registry.Get(job.Type)
	if err != nil {
		log.Error("no handler for job type", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "no handler registered")
		p.settleFail(ctx, lease, &domain.PermanentError{Err: err}, log)
		return
	}

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	// The lease context carries cooperative cancellation and lease expiry;
	// the per-job timeout stacks on top of it, and the span is re-attached
	// so handler child spans stay parented here.
	execCtx, cancel := context.WithTimeout(
		trace.ContextWithSpan(lease.Context(), span),
		p.timeout,
	)
	start := time.Now()
	result, execErr := h.Handle(execCtx, &job)
	cancel()

	durationSec := time.Since(start).Seconds()
	telemetry.JobDurationSeconds.WithLabelValues(job.Type).Observe(durationSec)

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "handler failed")
		p.settleFail(ctx, lease, execErr, log)
		return
	}

	if err := p.queue.Complete(ctx, lease.Token, result); err != nil {
		// Raced a reaped or settled lease; the queue already decided.
		log.Warn("complete rejected", slog.String("error", err.Error()))
		return
	}
	log.Info("job completed",
		slog.Int64("duration_ms", int64(durationSec*1000)),
		slog.Int("attempt", job.Retries),
	)
}

func (p *Pool) settleFail(ctx context.Context, lease *queue.Lease, execErr error, log *slog.Logger) {
	if err := p.queue.Fail(ctx, lease.Token, execErr); err != nil {
		log.Warn("fail rejected", slog.String("error", err.Error()))
	}
}
