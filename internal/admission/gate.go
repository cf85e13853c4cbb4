package admission

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/ramiqadoumi/flowgate/internal/domain"
	"github.com/ramiqadoumi/flowgate/internal/events"
	"github.com/ramiqadoumi/flowgate/internal/quota"
	"github.com/ramiqadoumi/flowgate/internal/ratelimit"
	"github.com/ramiqadoumi/flowgate/pkg/telemetry"
)

// Gate is the single admission decision in front of the queue. A request
// passes three stages in order: a process-wide token bucket protecting the
// instance itself, the per-tenant windowed ceilings, and the tenant's
// quota budget. The first stage to refuse wins; later stages are not
// touched, so a rate-limited request never consumes quota.
type Gate struct {
	global  *rate.Limiter
	limits  *ratelimit.Limiter
	configs []ratelimit.Config
	quotas  *quota.Manager
	sink    events.Sink
	logger  *slog.Logger
}

// Request describes one admission attempt.
type Request struct {
	TenantID  string
	Key       string // rate-limit key; defaults to TenantID
	QuotaType string // empty skips the quota stage
	Cost      int64  // quota units; defaults to 1
}

// Option configures a Gate.
type Option func(*Gate)

// WithGlobalRate caps sustained instance-wide admissions per second.
func WithGlobalRate(perSecond float64, burst int) Option {
	return func(g *Gate) { g.global = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func WithTenantLimits(l *ratelimit.Limiter, configs []ratelimit.Config) Option {
	return func(g *Gate) { g.limits, g.configs = l, configs }
}

func WithQuotas(m *quota.Manager) Option { return func(g *Gate) { g.quotas = m } }
func WithSink(s events.Sink) Option      { return func(g *Gate) { g.sink = s } }
func WithLogger(l *slog.Logger) Option   { return func(g *Gate) { g.logger = l } }

// NewGate creates a Gate. Without options every stage is pass-through.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		global: rate.NewLimiter(rate.Inf, 0),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit runs the request through every stage. A nil return means admitted;
// otherwise the error is a *domain.RateLimitError or
// *domain.QuotaExceededError describing the refusing stage.
func (g *Gate) Admit(ctx context.Context, req Request) error {
	key := req.Key
	if key == "" {
		key = req.TenantID
	}
	cost := req.Cost
	if cost <= 0 {
		cost = 1
	}

	// Stage 1: instance-wide bucket.
	if res := g.global.Reserve(); !res.OK() || res.Delay() > 0 {
		retryAfter := res.Delay()
		res.Cancel()
		g.reject(ctx, req, "global")
		return &domain.RateLimitError{Key: "global", RetryAfter: retryAfter}
	}

	// Stage 2: per-tenant windows, all ceilings or none.
	if g.limits != nil && len(g.configs) > 0 {
		if d := g.limits.CheckAndIncrementAll(key, g.configs); !d.Allowed {
			g.reject(ctx, req, "window")
			return &domain.RateLimitError{
				Key:        key,
				Limit:      limitOf(g.configs, d.Config),
				RetryAfter: d.RetryAfter,
			}
		}
	}

	// Stage 3: tenant quota, reserved atomically.
	if g.quotas != nil && req.QuotaType != "" {
		if d := g.quotas.Reserve(ctx, req.TenantID, req.QuotaType, cost); !d.Allowed {
			g.reject(ctx, req, "quota")
			return &domain.QuotaExceededError{
				TenantID:  req.TenantID,
				QuotaType: req.QuotaType,
				Remaining: d.Remaining,
				ResetAt:   d.ResetAt,
			}
		}
	}

	return nil
}

func (g *Gate) reject(ctx context.Context, req Request, gate string) {
	telemetry.AdmissionRejected.WithLabelValues(gate).Inc()
	g.logger.Warn("admission rejected",
		slog.String("gate", gate),
		slog.String("tenant_id", req.TenantID),
	)
	if g.sink != nil {
		g.sink.Emit(ctx, events.Event{
			Kind:     events.KindAdmissionRejected,
			TenantID: req.TenantID,
			Name:     gate,
		})
	}
}

func limitOf(configs []ratelimit.Config, name string) int {
	for _, cfg := range configs {
		if cfg.Name == name {
			return cfg.Limit
		}
	}
	return 0
}
