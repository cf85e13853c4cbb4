package postgres

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ramiqadoumi/flowgate/internal/domain"
	"github.com/ramiqadoumi/flowgate/pkg/telemetry"
)

// AsyncMirror decouples mirror writes from the queue's hot path. Writes
// are queued on a bounded buffer and applied by one background writer;
// when the buffer is full the write is dropped and counted, never
// blocked on.
type AsyncMirror struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration

	buf    chan mirrorOp
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

type mirrorOp struct {
	job *domain.Job
	tr  *domain.Transition
}

// NewAsyncMirror starts the background writer. bufSize bounds the number
// of in-flight writes; 0 picks a sensible default.
func NewAsyncMirror(store Store, bufSize int, logger *slog.Logger) *AsyncMirror {
	if bufSize <= 0 {
		bufSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &AsyncMirror{
		store:   store,
		logger:  logger,
		timeout: 5 * time.Second,
		buf:     make(chan mirrorOp, bufSize),
		done:    make(chan struct{}),
	}
	go m.writeLoop()
	return m
}

// SaveJob enqueues a job write.
func (m *AsyncMirror) SaveJob(_ context.Context, job *domain.Job) error {
	copied := *job
	m.enqueue(mirrorOp{job: &copied})
	return nil
}

// RecordTransition enqueues a transition write.
func (m *AsyncMirror) RecordTransition(_ context.Context, tr *domain.Transition) error {
	copied := *tr
	m.enqueue(mirrorOp{tr: &copied})
	return nil
}

func (m *AsyncMirror) enqueue(op mirrorOp) {
	if m.closed.Load() {
		return
	}
	select {
	case m.buf <- op:
	default:
		telemetry.MirrorDropped.Inc()
		m.logger.Warn("mirror buffer full, write dropped")
	}
}

func (m *AsyncMirror) writeLoop() {
	defer close(m.done)
	for op := range m.buf {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		var err error
		switch {
		case op.job != nil:
			err = m.store.SaveJob(ctx, op.job)
		case op.tr != nil:
			err = m.store.RecordTransition(ctx, op.tr)
		}
		cancel()
		if err != nil {
			m.logger.Error("mirror write failed", slog.String("error", err.Error()))
		}
	}
}

// Close stops accepting writes and drains the buffer. Call only after
// every producer (the queue and its workers) has shut down.
func (m *AsyncMirror) Close() {
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.buf)
	})
	<-m.done
}
