package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrQueueClosed is returned by queue operations after shutdown.
var ErrQueueClosed = errors.New("queue closed")

// ErrEmpty is returned by DequeueNext when no job is eligible.
var ErrEmpty = errors.New("no eligible job")

// TransientError marks a handler failure as retryable. The queue retries
// the job until its retry budget is exhausted.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a handler failure as non-retryable. The job is
// routed directly to the dead letter state regardless of remaining retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// CircuitOpenError is returned when a call is rejected because the
// protecting breaker is OPEN and no fallback was supplied.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %s", e.Name, e.RetryAfter)
}

// RateLimitError is returned when an admission check fails a rate limit.
type RateLimitError struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit is %d, retry after %s",
		e.Key, e.Limit, e.RetryAfter)
}

// QuotaExceededError is returned when a tenant's quota cannot cover a request.
type QuotaExceededError struct {
	TenantID  string
	QuotaType string
	Remaining int64
	ResetAt   time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota %q exceeded for tenant %s: %d remaining until %s",
		e.QuotaType, e.TenantID, e.Remaining, e.ResetAt.Format(time.RFC3339))
}

// JobNotFoundError is returned when a job ID does not exist.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// UnknownJobTypeError is returned when no handler is registered for a job type.
type UnknownJobTypeError struct {
	JobType string
}

func (e *UnknownJobTypeError) Error() string {
	return fmt.Sprintf("no handler registered for job type %q", e.JobType)
}

// InvalidPayloadError is returned at submit time when a payload does not
// validate against the schema registered for its job type.
type InvalidPayloadError struct {
	JobType string
	Reason  string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload for job type %q: %s", e.JobType, e.Reason)
}

// InvalidTransitionError is returned when a status change would violate
// the job state machine.
type InvalidTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}

// IsRetryable classifies a handler error. Permanent errors are never
// retried; everything else is retryable by default.
func IsRetryable(err error) bool {
	var perm *PermanentError
	return !errors.As(err, &perm)
}
