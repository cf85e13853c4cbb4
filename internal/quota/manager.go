package quota

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ramiqadoumi/flowgate/internal/events"
	"github.com/ramiqadoumi/flowgate/pkg/telemetry"
)

// Manager holds the per-tenant usage ledger in memory. Records are
// hydrated from the Ledger at startup and mirrored back on every
// mutation, best-effort. Reserve is the atomic check-and-commit path;
// CanPerformAction and RecordUsage remain as the advisory and forced
// halves for callers that need them split.
type Manager struct {
	clock  clockwork.Clock
	logger *slog.Logger
	ledger Ledger
	sink   events.Sink

	mu      sync.Mutex
	limits  map[string]Limit   // by quota type
	records map[string]*Record // by tenant+type
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }
func WithLogger(l *slog.Logger) Option   { return func(m *Manager) { m.logger = l } }
func WithLedger(l Ledger) Option         { return func(m *Manager) { m.ledger = l } }
func WithSink(s events.Sink) Option      { return func(m *Manager) { m.sink = s } }

// NewManager creates a Manager enforcing the given quota types.
func NewManager(limits []Limit, opts ...Option) *Manager {
	m := &Manager{
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		limits:  make(map[string]Limit, len(limits)),
		records: make(map[string]*Record),
	}
	for _, l := range limits {
		m.limits[l.Type] = l
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func recordKey(tenantID, quotaType string) string { return tenantID + ":" + quotaType }

// Load hydrates the in-memory ledger from the durable one. Records whose
// quota type is no longer configured are skipped; records past their
// reset boundary are rolled forward before use.
func (m *Manager) Load(ctx context.Context) error {
	if m.ledger == nil {
		return nil
	}
	recs, err := m.ledger.LoadAll(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		if _, ok := m.limits[rec.QuotaType]; !ok {
			m.logger.Warn("skipping ledger record for unconfigured quota type",
				slog.String("tenant_id", rec.TenantID),
				slog.String("quota_type", rec.QuotaType),
			)
			continue
		}
		r := rec
		m.records[recordKey(rec.TenantID, rec.QuotaType)] = &r
		m.gauge(&r)
	}
	m.logger.Info("quota ledger hydrated", slog.Int("records", len(m.records)))
	return nil
}

// CanPerformAction reports whether amount would fit, without consuming it.
// Subject to the check-then-act race when paired with RecordUsage; use
// Reserve for atomic admission.
func (m *Manager) CanPerformAction(tenantID, quotaType string, amount int64) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.viewLocked(tenantID, quotaType)
	if !ok {
		// Unconfigured quota types are unlimited.
		return Decision{Allowed: true, Remaining: -1}
	}
	return Decision{
		Allowed:   rec.Used+amount <= rec.Limit,
		Remaining: rec.Remaining(),
		ResetAt:   rec.ResetAt,
	}
}

// RecordUsage unconditionally commits amount against the tenant's quota.
// Used may transiently exceed Limit on this path; status queries surface
// that as EXCEEDED.
func (m *Manager) RecordUsage(ctx context.Context, tenantID, quotaType string, amount int64) error {
	m.mu.Lock()
	rec := m.recordLocked(tenantID, quotaType)
	if rec == nil {
		m.mu.Unlock()
		return nil
	}
	rec.Used += amount
	rec.UpdatedAt = m.clock.Now().UTC()
	m.gauge(rec)
	snapshot := *rec
	m.mu.Unlock()

	m.mirror(ctx, snapshot)
	return nil
}

// Reserve atomically checks and commits amount. When the headroom is
// insufficient nothing is consumed.
func (m *Manager) Reserve(ctx context.Context, tenantID, quotaType string, amount int64) Decision {
	m.mu.Lock()
	rec := m.recordLocked(tenantID, quotaType)
	if rec == nil {
		m.mu.Unlock()
		return Decision{Allowed: true, Remaining: -1}
	}
	if rec.Used+amount > rec.Limit {
		d := Decision{Allowed: false, Remaining: rec.Remaining(), ResetAt: rec.ResetAt}
		m.mu.Unlock()
		return d
	}
	rec.Used += amount
	rec.UpdatedAt = m.clock.Now().UTC()
	m.gauge(rec)
	d := Decision{Allowed: true, Remaining: rec.Remaining(), ResetAt: rec.ResetAt}
	snapshot := *rec
	m.mu.Unlock()

	m.mirror(ctx, snapshot)
	return d
}

// ResetQuota zeroes one tenant's usage for a quota type and starts a new
// cycle.
func (m *Manager) ResetQuota(ctx context.Context, tenantID, quotaType string) {
	m.mu.Lock()
	rec, ok := m.records[recordKey(tenantID, quotaType)]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.resetLocked(rec)
	snapshot := *rec
	m.mu.Unlock()

	m.mirror(ctx, snapshot)
	m.emitReset(ctx, tenantID, quotaType)
}

// ResetCadence zeroes usage for every record of the matching cadence and
// returns how many were reset. The scheduler invokes this daily and
// monthly.
func (m *Manager) ResetCadence(ctx context.Context, cadence Cadence) int {
	m.mu.Lock()
	var snapshots []Record
	for _, rec := range m.records {
		if rec.Cadence != cadence {
			continue
		}
		m.resetLocked(rec)
		snapshots = append(snapshots, *rec)
	}
	m.mu.Unlock()

	for _, snap := range snapshots {
		m.mirror(ctx, snap)
		m.emitReset(ctx, snap.TenantID, snap.QuotaType)
	}
	m.logger.Info("quota batch reset",
		slog.String("cadence", string(cadence)),
		slog.Int("records", len(snapshots)),
	)
	return len(snapshots)
}

// Status is one classified quota view.
type Status struct {
	Record Record `json:"record"`
	Level  Level  `json:"level"`
}

// StatusOf classifies one tenant quota.
func (m *Manager) StatusOf(tenantID, quotaType string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.viewLocked(tenantID, quotaType)
	if !ok {
		return Status{}, false
	}
	return Status{Record: rec, Level: rec.LevelOf()}, true
}

// Statuses returns every configured quota for a tenant, sorted by type.
// Types the tenant has never touched appear with zero usage.
func (m *Manager) Statuses(tenantID string) []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]Status, 0, len(m.limits))
	for quotaType := range m.limits {
		rec, _ := m.viewLocked(tenantID, quotaType)
		statuses = append(statuses, Status{Record: rec, Level: rec.LevelOf()})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Record.QuotaType < statuses[j].Record.QuotaType
	})
	return statuses
}

// viewLocked returns a snapshot of the record for (tenant, type) without
// storing anything. Reads must not grow the record map: any tenant ID can
// be queried, and only reservations and usage writes create state. A
// stored record past its boundary is rolled forward; an absent one is
// synthesized with zero usage. Caller must hold m.mu.
func (m *Manager) viewLocked(tenantID, quotaType string) (Record, bool) {
	limit, ok := m.limits[quotaType]
	if !ok {
		return Record{}, false
	}

	now := m.clock.Now().UTC()
	if rec, ok := m.records[recordKey(tenantID, quotaType)]; ok {
		if !now.Before(rec.ResetAt) {
			m.resetLocked(rec)
		}
		return *rec, true
	}
	return Record{
		TenantID:  tenantID,
		QuotaType: quotaType,
		Limit:     limit.Limit,
		Cadence:   limit.Cadence,
		ResetAt:   nextReset(now, limit.Cadence),
		UpdatedAt: now,
	}, true
}

// recordLocked returns the live record for (tenant, type), lazily creating
// it and rolling an elapsed cycle forward. Returns nil for unconfigured
// quota types. Caller must hold m.mu.
func (m *Manager) recordLocked(tenantID, quotaType string) *Record {
	limit, ok := m.limits[quotaType]
	if !ok {
		return nil
	}

	key := recordKey(tenantID, quotaType)
	now := m.clock.Now().UTC()

	rec, ok := m.records[key]
	if !ok {
		rec = &Record{
			TenantID:  tenantID,
			QuotaType: quotaType,
			Limit:     limit.Limit,
			Cadence:   limit.Cadence,
			ResetAt:   nextReset(now, limit.Cadence),
			UpdatedAt: now,
		}
		m.records[key] = rec
		return rec
	}
	if !now.Before(rec.ResetAt) {
		m.resetLocked(rec)
	}
	return rec
}

// resetLocked zeroes a record and schedules its next boundary.
// Caller must hold m.mu.
func (m *Manager) resetLocked(rec *Record) {
	now := m.clock.Now().UTC()
	rec.Used = 0
	rec.ResetAt = nextReset(now, rec.Cadence)
	rec.UpdatedAt = now
	m.gauge(rec)
}

func (m *Manager) gauge(rec *Record) {
	telemetry.QuotaUsagePercent.
		WithLabelValues(rec.TenantID, rec.QuotaType).
		Set(rec.UsagePercent())
}

// mirror writes a record snapshot to the durable ledger. Failures are
// logged and swallowed; in-memory state stays authoritative.
func (m *Manager) mirror(ctx context.Context, rec Record) {
	if m.ledger == nil {
		return
	}
	if err := m.ledger.Save(ctx, rec); err != nil {
		m.logger.Error("quota ledger write failed",
			slog.String("tenant_id", rec.TenantID),
			slog.String("quota_type", rec.QuotaType),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) emitReset(ctx context.Context, tenantID, quotaType string) {
	if m.sink == nil {
		return
	}
	m.sink.Emit(ctx, events.Event{
		Kind:     events.KindQuotaReset,
		TenantID: tenantID,
		Name:     quotaType,
	})
}

// nextReset computes the next cycle boundary in UTC: midnight for daily,
// first of the month for monthly.
func nextReset(now time.Time, cadence Cadence) time.Time {
	switch cadence {
	case CadenceMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
}
