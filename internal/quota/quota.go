package quota

import (
	"context"
	"time"
)

// Cadence is the reset cycle of a quota type.
type Cadence string

const (
	CadenceDaily   Cadence = "daily"
	CadenceMonthly Cadence = "monthly"
)

// Level classifies how close a tenant is to a ceiling.
type Level string

const (
	LevelOK       Level = "OK"
	LevelWarning  Level = "WARNING"  // ≥ 80% consumed
	LevelExceeded Level = "EXCEEDED" // ≥ 100% consumed
)

// Limit declares one quota type and its default ceiling per tenant.
type Limit struct {
	Type    string  `json:"type"`
	Limit   int64   `json:"limit"`
	Cadence Cadence `json:"cadence"`
}

// Record is the live usage ledger entry for one tenant and quota type.
type Record struct {
	TenantID  string    `json:"tenant_id"`
	QuotaType string    `json:"quota_type"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Cadence   Cadence   `json:"cadence"`
	ResetAt   time.Time `json:"reset_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remaining is the headroom left, never negative.
func (r Record) Remaining() int64 {
	if rem := r.Limit - r.Used; rem > 0 {
		return rem
	}
	return 0
}

// UsagePercent is consumption relative to the ceiling, 0–100+.
func (r Record) UsagePercent() float64 {
	if r.Limit <= 0 {
		return 0
	}
	return float64(r.Used) / float64(r.Limit) * 100
}

// LevelOf classifies the record.
func (r Record) LevelOf() Level {
	switch p := r.UsagePercent(); {
	case p >= 100:
		return LevelExceeded
	case p >= 80:
		return LevelWarning
	default:
		return LevelOK
	}
}

// Decision is the outcome of a quota check or reservation.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Ledger is the external collaborator that persists quota records across
// process restarts. Writes are best-effort; the in-memory manager stays
// authoritative for the running process.
type Ledger interface {
	LoadAll(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, rec Record) error
}
