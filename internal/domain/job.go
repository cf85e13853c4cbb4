package domain

import (
	"encoding/json"
	"time"
)

// Status represents the states a job can be in.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusRetrying   Status = "RETRYING"
	StatusDeadLetter Status = "DEAD_LETTER"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter || s == StatusCancelled
}

// transitions is the full set of legal status transitions. Anything not
// listed here is rejected by CanTransition.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusRetrying, StatusDeadLetter, StatusCancelled},
	StatusRetrying:   {StatusPending},
}

// CanTransition reports whether from → to is a legal status transition.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is the core domain entity representing a unit of background work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Status      Status          `json:"status"`
	Retries     int             `json:"retries"`
	MaxRetries  int             `json:"max_retries"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Transition records a single status change of a job, including the
// attempt that caused it. Mirrored to the durable store as the audit trail.
type Transition struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	WorkerID   string    `json:"worker_id,omitempty"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Attempt    int       `json:"attempt"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}
