package events

import (
	"context"
	"time"
)

// Kind identifies the category of an operational event.
type Kind string

const (
	KindJobTransition     Kind = "job.transition"
	KindJobCancelled      Kind = "job.cancelled"
	KindJobReplayed       Kind = "job.replayed"
	KindLeaseExpired      Kind = "job.lease_expired"
	KindBreakerState      Kind = "breaker.state_change"
	KindAdmissionRejected Kind = "admission.rejected"
	KindQuotaReset        Kind = "quota.reset"
	KindScheduleFired     Kind = "schedule.fired"
)

// Event is one structured operational event. Fields are sparse; only the
// ones relevant to the kind are populated.
type Event struct {
	Kind     Kind           `json:"kind"`
	At       time.Time      `json:"at"`
	JobID    string         `json:"job_id,omitempty"`
	JobType  string         `json:"job_type,omitempty"`
	TenantID string         `json:"tenant_id,omitempty"`
	Name     string         `json:"name,omitempty"`
	From     string         `json:"from,omitempty"`
	To       string         `json:"to,omitempty"`
	Error    string         `json:"error,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Sink receives operational events. Emission must never block the caller's
// hot path for long and failures are non-fatal.
type Sink interface {
	Emit(ctx context.Context, ev Event)
	Close() error
}
