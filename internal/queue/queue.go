package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ramiqadoumi/flowgate/internal/domain"
	"github.com/ramiqadoumi/flowgate/internal/events"
	"github.com/ramiqadoumi/flowgate/pkg/backoff"
	"github.com/ramiqadoumi/flowgate/pkg/telemetry"
)

// Mirror receives a durable copy of every job mutation. Writes are
// best-effort: a failing mirror never blocks or fails the in-memory
// transition that triggered it.
type Mirror interface {
	SaveJob(ctx context.Context, job *domain.Job) error
	RecordTransition(ctx context.Context, tr *domain.Transition) error
}

// Classifier decides whether a handler error is retryable.
type Classifier func(err error) bool

// Lease is a worker's time-bounded claim on one Processing job. The lease
// context is cancelled on cooperative job cancellation and on lease
// expiry; handlers must poll it.
type Lease struct {
	Token     string
	WorkerID  string
	Job       domain.Job
	ExpiresAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Context carries the cancellation signal for the leased job.
func (l *Lease) Context() context.Context { return l.ctx }

// Queue holds jobs in memory and owns every job mutation. Dequeue is
// atomic across concurrent workers: a job is leased to at most one worker
// at a time.
type Queue struct {
	clock      clockwork.Clock
	logger     *slog.Logger
	mirror     Mirror
	sink       events.Sink
	payloads   *domain.PayloadRegistry
	classify   Classifier
	baseDelay  time.Duration
	maxDelay   time.Duration
	leaseTTL   time.Duration
	reapEvery  time.Duration
	maxRetries int

	mu        sync.Mutex
	jobs      map[string]*domain.Job
	pending   pendingHeap
	eligible  map[string]time.Time // retry backoff gates, by job ID
	leases    map[string]*Lease    // by token
	byJob     map[string]*Lease    // by job ID
	cancelled map[string]bool      // cancel requested while Processing, by job ID
	seq       uint64
	closed    bool
	reaping   bool

	reapStop chan struct{}
	reapDone chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

func WithClock(c clockwork.Clock) Option              { return func(q *Queue) { q.clock = c } }
func WithLogger(l *slog.Logger) Option                { return func(q *Queue) { q.logger = l } }
func WithMirror(m Mirror) Option                      { return func(q *Queue) { q.mirror = m } }
func WithSink(s events.Sink) Option                   { return func(q *Queue) { q.sink = s } }
func WithPayloads(r *domain.PayloadRegistry) Option   { return func(q *Queue) { q.payloads = r } }
func WithClassifier(c Classifier) Option              { return func(q *Queue) { q.classify = c } }
func WithBaseDelay(d time.Duration) Option            { return func(q *Queue) { q.baseDelay = d } }
func WithMaxDelay(d time.Duration) Option             { return func(q *Queue) { q.maxDelay = d } }
func WithLeaseTTL(d time.Duration) Option             { return func(q *Queue) { q.leaseTTL = d } }
func WithReapInterval(d time.Duration) Option         { return func(q *Queue) { q.reapEvery = d } }
func WithDefaultMaxRetries(n int) Option              { return func(q *Queue) { q.maxRetries = n } }

// New creates an empty Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default(),
		classify:   domain.IsRetryable,
		baseDelay:  time.Second,
		maxDelay:   5 * time.Minute,
		leaseTTL:   time.Minute,
		reapEvery:  10 * time.Second,
		maxRetries: 3,
		jobs:       make(map[string]*domain.Job),
		eligible:   make(map[string]time.Time),
		leases:     make(map[string]*Lease),
		byJob:      make(map[string]*Lease),
		cancelled:  make(map[string]bool),
		reapStop:   make(chan struct{}),
		reapDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SubmitRequest describes a new job.
type SubmitRequest struct {
	Type       string
	Payload    json.RawMessage
	Priority   int
	MaxRetries int // negative means the queue default
}

// CheckPayload reports whether a job of this type and payload would be
// accepted, without enqueuing anything. Callers that spend admission
// budget before submitting use it to refuse malformed requests for free.
func (q *Queue) CheckPayload(jobType string, payload json.RawMessage) error {
	if q.payloads == nil {
		return nil
	}
	return q.payloads.Validate(jobType, payload)
}

// Submit validates and enqueues a job, returning its ID.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := q.CheckPayload(req.Type, req.Payload); err != nil {
		return "", err
	}

	maxRetries := req.MaxRetries
	if maxRetries < 0 {
		maxRetries = q.maxRetries
	}

	now := q.clock.Now().UTC()
	job := &domain.Job{
		ID:         uuid.New().String(),
		Type:       req.Type,
		Payload:    req.Payload,
		Priority:   req.Priority,
		Status:     domain.StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", domain.ErrQueueClosed
	}
	q.jobs[job.ID] = job
	q.pushLocked(job, now)
	q.mu.Unlock()

	telemetry.JobsSubmitted.WithLabelValues(job.Type).Inc()
	q.mirrorJob(ctx, job)
	q.emit(ctx, events.Event{
		Kind:    events.KindJobTransition,
		JobID:   job.ID,
		JobType: job.Type,
		To:      string(domain.StatusPending),
	})
	q.logger.Info("job submitted",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("priority", job.Priority),
	)
	return job.ID, nil
}

// pushLocked adds a pending-heap entry for job, eligible at eligibleAt.
// Caller must hold q.mu.
func (q *Queue) pushLocked(job *domain.Job, eligibleAt time.Time) {
	q.seq++
	heap.Push(&q.pending, &item{
		jobID:     job.ID,
		priority:  job.Priority,
		createdAt: job.CreatedAt,
		seq:       q.seq,
	})
	q.eligible[job.ID] = eligibleAt
	telemetry.QueueDepth.Set(float64(q.pending.Len()))
}

// DequeueNext atomically leases the highest-priority oldest-eligible
// Pending job to workerID. Returns domain.ErrEmpty when nothing is
// eligible.
func (q *Queue) DequeueNext(ctx context.Context, workerID string) (*Lease, error) {
	now := q.clock.Now().UTC()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, domain.ErrQueueClosed
	}

	var skipped []*item
	var picked *domain.Job
	for q.pending.Len() > 0 {
		it := heap.Pop(&q.pending).(*item)

		job, ok := q.jobs[it.jobID]
		if !ok || job.Status != domain.StatusPending {
			continue // stale entry: cancelled, replayed, or already leased
		}
		if eligible, ok := q.eligible[it.jobID]; ok && now.Before(eligible) {
			skipped = append(skipped, it)
			continue
		}
		picked = job
		break
	}
	for _, it := range skipped {
		heap.Push(&q.pending, it)
	}
	telemetry.QueueDepth.Set(float64(q.pending.Len()))

	if picked == nil {
		q.mu.Unlock()
		return nil, domain.ErrEmpty
	}

	execAt := now
	picked.Status = domain.StatusProcessing
	picked.ExecutedAt = &execAt
	picked.UpdatedAt = now
	delete(q.eligible, picked.ID)

	leaseCtx, cancel := context.WithCancel(context.Background())
	lease := &Lease{
		Token:     uuid.New().String(),
		WorkerID:  workerID,
		Job:       *picked,
		ExpiresAt: now.Add(q.leaseTTL),
		ctx:       leaseCtx,
		cancel:    cancel,
	}
	q.leases[lease.Token] = lease
	q.byJob[picked.ID] = lease
	snapshot := *picked
	q.mu.Unlock()

	telemetry.JobsInFlight.Inc()
	q.transitionEffects(ctx, &snapshot, domain.StatusPending, domain.StatusProcessing, workerID, 0, "")
	return lease, nil
}

// Complete finishes the leased job successfully.
func (q *Queue) Complete(ctx context.Context, leaseToken string, result json.RawMessage) error {
	now := q.clock.Now().UTC()

	q.mu.Lock()
	lease, ok := q.leases[leaseToken]
	if !ok {
		q.mu.Unlock()
		return &domain.JobNotFoundError{JobID: leaseToken}
	}
	job := q.jobs[lease.Job.ID]
	q.releaseLocked(lease)
	delete(q.cancelled, job.ID)

	job.Status = domain.StatusCompleted
	job.Result = result
	job.UpdatedAt = now
	job.CompletedAt = &now
	snapshot := *job
	q.mu.Unlock()

	telemetry.JobsInFlight.Dec()
	telemetry.JobsProcessed.WithLabelValues(job.Type, string(domain.StatusCompleted)).Inc()
	q.transitionEffects(ctx, &snapshot, domain.StatusProcessing, domain.StatusCompleted, lease.WorkerID, q.durationMs(snapshot), "")
	return nil
}

// Fail records a handler failure for the leased job. Retryable failures
// re-enter the queue through Retrying → Pending after a quadratic backoff
// until the retry budget is spent; everything else dead-letters.
func (q *Queue) Fail(ctx context.Context, leaseToken string, handlerErr error) error {
	now := q.clock.Now().UTC()

	q.mu.Lock()
	lease, ok := q.leases[leaseToken]
	if !ok {
		q.mu.Unlock()
		return &domain.JobNotFoundError{JobID: leaseToken}
	}
	job := q.jobs[lease.Job.ID]
	q.releaseLocked(lease)

	job.Error = handlerErr.Error()
	job.UpdatedAt = now

	if q.cancelled[job.ID] {
		delete(q.cancelled, job.ID)
		job.Status = domain.StatusCancelled
		job.CompletedAt = &now
		snapshot := *job
		q.mu.Unlock()

		telemetry.JobsInFlight.Dec()
		telemetry.JobsProcessed.WithLabelValues(job.Type, string(domain.StatusCancelled)).Inc()
		q.transitionEffects(ctx, &snapshot, domain.StatusProcessing, domain.StatusCancelled, lease.WorkerID, q.durationMs(snapshot), handlerErr.Error())
		q.logger.Info("cancelled job settled", slog.String("job_id", job.ID))
		return nil
	}

	retryable := q.classify(handlerErr) && job.Retries < job.MaxRetries
	if retryable {
		job.Retries++
		job.Status = domain.StatusRetrying
		snapshot := *job
		delay := backoff.Delay(q.baseDelay, job.Retries, q.maxDelay)

		// Retrying → Pending happens immediately in memory; the backoff
		// gates eligibility, not the status.
		job.Status = domain.StatusPending
		q.pushLocked(job, now.Add(delay))
		pendingSnap := *job
		q.mu.Unlock()

		telemetry.JobsInFlight.Dec()
		telemetry.JobRetriesTotal.WithLabelValues(job.Type).Inc()
		q.transitionEffects(ctx, &snapshot, domain.StatusProcessing, domain.StatusRetrying, lease.WorkerID, q.durationMs(snapshot), handlerErr.Error())
		q.transitionEffects(ctx, &pendingSnap, domain.StatusRetrying, domain.StatusPending, lease.WorkerID, 0, "")
		q.logger.Warn("job attempt failed, retrying",
			slog.String("job_id", job.ID),
			slog.Int("retries", snapshot.Retries),
			slog.Duration("backoff", delay),
			slog.String("error", handlerErr.Error()),
		)
		return nil
	}

	job.Status = domain.StatusDeadLetter
	job.CompletedAt = &now
	snapshot := *job
	q.mu.Unlock()

	telemetry.JobsInFlight.Dec()
	telemetry.JobsProcessed.WithLabelValues(job.Type, string(domain.StatusDeadLetter)).Inc()
	telemetry.DeadLetterTotal.WithLabelValues(job.Type).Inc()
	q.transitionEffects(ctx, &snapshot, domain.StatusProcessing, domain.StatusDeadLetter, lease.WorkerID, q.durationMs(snapshot), handlerErr.Error())
	q.logger.Error("job dead-lettered",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("retries", job.Retries),
		slog.String("error", handlerErr.Error()),
	)
	return nil
}

// Cancel removes a Pending job, or cooperatively cancels a Processing one
// by cancelling its lease context; the handler must observe it and call
// Fail or Complete. A Fail after a cancel request settles the job as
// Cancelled instead of retrying it. Terminal jobs cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	now := q.clock.Now().UTC()

	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return &domain.JobNotFoundError{JobID: jobID}
	}

	switch job.Status {
	case domain.StatusPending:
		job.Status = domain.StatusCancelled
		job.UpdatedAt = now
		job.CompletedAt = &now
		delete(q.eligible, jobID)
		snapshot := *job
		q.mu.Unlock()

		telemetry.JobsProcessed.WithLabelValues(job.Type, string(domain.StatusCancelled)).Inc()
		q.mirrorJob(ctx, &snapshot)
		q.emit(ctx, events.Event{
			Kind:    events.KindJobCancelled,
			JobID:   jobID,
			JobType: snapshot.Type,
			From:    string(domain.StatusPending),
			To:      string(domain.StatusCancelled),
		})
		return nil

	case domain.StatusProcessing:
		lease := q.byJob[jobID]
		q.cancelled[jobID] = true
		q.mu.Unlock()
		if lease != nil {
			lease.cancel()
		}
		q.emit(ctx, events.Event{Kind: events.KindJobCancelled, JobID: jobID, To: string(domain.StatusProcessing)})
		return nil

	default:
		st := job.Status
		q.mu.Unlock()
		return &domain.InvalidTransitionError{JobID: jobID, From: st, To: domain.StatusCancelled}
	}
}

// Replay returns a dead-lettered job to Pending with a fresh retry
// budget. This is the manual operator path; no automatic transition
// leaves DeadLetter.
func (q *Queue) Replay(ctx context.Context, jobID string) error {
	now := q.clock.Now().UTC()

	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return &domain.JobNotFoundError{JobID: jobID}
	}
	if job.Status != domain.StatusDeadLetter {
		st := job.Status
		q.mu.Unlock()
		return &domain.InvalidTransitionError{JobID: jobID, From: st, To: domain.StatusPending}
	}

	job.Status = domain.StatusPending
	job.Retries = 0
	job.Error = ""
	job.CompletedAt = nil
	job.UpdatedAt = now
	q.pushLocked(job, now)
	snapshot := *job
	q.mu.Unlock()

	q.mirrorJob(ctx, &snapshot)
	q.emit(ctx, events.Event{
		Kind:    events.KindJobReplayed,
		JobID:   jobID,
		JobType: snapshot.Type,
		From:    string(domain.StatusDeadLetter),
		To:      string(domain.StatusPending),
	})
	q.logger.Info("dead-letter job replayed", slog.String("job_id", jobID))
	return nil
}

// Status returns a copy of the job.
func (q *Queue) Status(_ context.Context, jobID string) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return domain.Job{}, &domain.JobNotFoundError{JobID: jobID}
	}
	return *job, nil
}

// ListByStatus returns up to limit jobs in the given status, oldest first.
// limit <= 0 means no limit.
func (q *Queue) ListByStatus(_ context.Context, status domain.Status, limit int) []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []domain.Job
	for _, job := range q.jobs {
		if job.Status == status {
			out = append(out, *job)
		}
	}
	sortJobsByCreatedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Depth returns the number of pending-heap entries (including
// not-yet-eligible retries).
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// StartReaper launches the lease reaper, which requeues expired
// Processing leases as Pending. Stop with Close.
func (q *Queue) StartReaper() {
	q.mu.Lock()
	if q.reaping || q.closed {
		q.mu.Unlock()
		return
	}
	q.reaping = true
	q.mu.Unlock()

	ticker := q.clock.NewTicker(q.reapEvery)
	go func() {
		defer close(q.reapDone)
		defer ticker.Stop()
		for {
			select {
			case <-q.reapStop:
				return
			case <-ticker.Chan():
				q.reapExpiredLeases()
			}
		}
	}()
}

// reapExpiredLeases handles abandoned Processing jobs: a worker crash
// without Complete/Fail leaves a lease that eventually expires. The
// expiry consumes one retry so a crash-looping job still dead-letters.
func (q *Queue) reapExpiredLeases() {
	now := q.clock.Now().UTC()

	q.mu.Lock()
	var expired []*Lease
	for _, lease := range q.leases {
		if !now.Before(lease.ExpiresAt) {
			expired = append(expired, lease)
		}
	}
	q.mu.Unlock()

	for _, lease := range expired {
		lease.cancel()
		if err := q.Fail(context.Background(), lease.Token,
			&domain.TransientError{Err: context.DeadlineExceeded}); err != nil {
			continue // lease already released by a late Complete/Fail
		}
		telemetry.LeasesReaped.Inc()
		q.emit(context.Background(), events.Event{
			Kind:    events.KindLeaseExpired,
			JobID:   lease.Job.ID,
			JobType: lease.Job.Type,
			Name:    lease.WorkerID,
		})
		q.logger.Warn("expired lease reaped",
			slog.String("job_id", lease.Job.ID),
			slog.String("worker_id", lease.WorkerID),
		)
	}
}

// Close rejects further submits and dequeues and stops the reaper.
// Drain workers before calling Close so in-flight leases settle.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	reaping := q.reaping
	q.mu.Unlock()

	close(q.reapStop)
	if reaping {
		<-q.reapDone
	}
}

// releaseLocked removes a lease and cancels its context.
// Caller must hold q.mu.
func (q *Queue) releaseLocked(lease *Lease) {
	delete(q.leases, lease.Token)
	delete(q.byJob, lease.Job.ID)
	lease.cancel()
}

func (q *Queue) durationMs(job domain.Job) int64 {
	if job.ExecutedAt == nil {
		return 0
	}
	return q.clock.Now().UTC().Sub(*job.ExecutedAt).Milliseconds()
}

// transitionEffects runs the side effects of one status change: durable
// mirror, audit transition row, and event emission. All best-effort.
func (q *Queue) transitionEffects(ctx context.Context, job *domain.Job, from, to domain.Status, workerID string, durationMs int64, errMsg string) {
	q.mirrorJob(ctx, job)
	if q.mirror != nil {
		tr := &domain.Transition{
			ID:         uuid.New().String(),
			JobID:      job.ID,
			WorkerID:   workerID,
			From:       from,
			To:         to,
			Attempt:    job.Retries,
			DurationMs: durationMs,
			Error:      errMsg,
			At:         q.clock.Now().UTC(),
		}
		if err := q.mirror.RecordTransition(ctx, tr); err != nil {
			q.logger.Error("mirror transition failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	q.emit(ctx, events.Event{
		Kind:    events.KindJobTransition,
		JobID:   job.ID,
		JobType: job.Type,
		From:    string(from),
		To:      string(to),
		Error:   errMsg,
	})
}

func (q *Queue) mirrorJob(ctx context.Context, job *domain.Job) {
	if q.mirror == nil {
		return
	}
	if err := q.mirror.SaveJob(ctx, job); err != nil {
		q.logger.Error("mirror job failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (q *Queue) emit(ctx context.Context, ev events.Event) {
	if q.sink == nil {
		return
	}
	ev.At = q.clock.Now().UTC()
	q.sink.Emit(ctx, ev)
}

func sortJobsByCreatedAt(jobs []domain.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
