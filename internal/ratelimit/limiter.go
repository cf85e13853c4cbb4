package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ramiqadoumi/flowgate/pkg/telemetry"
)

// Config is one named admission ceiling. Several configs may be layered on
// the same key (e.g. a per-minute and a per-day limit on one actor); each
// keeps its own window state.
type Config struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Decision is the outcome of a check-and-increment.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	// Config names the ceiling that rejected the request, when !Allowed.
	Config string
}

// BreachFunc observes rejected requests, e.g. to mirror them durably.
// Called outside the limiter lock.
type BreachFunc func(key string, cfg Config, resetAt time.Time)

type entry struct {
	count   int
	resetAt time.Time
}

// Limiter is an in-memory fixed-window admission counter, per key and per
// named config. Window state resets lazily on first access past resetAt;
// Sweep evicts stale entries so memory stays bounded independent of the
// lazy path. State is per-process: admission correctness across multiple
// process instances is out of scope.
type Limiter struct {
	clock    clockwork.Clock
	logger   *slog.Logger
	onBreach BreachFunc

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithClock(c clockwork.Clock) Option  { return func(l *Limiter) { l.clock = c } }
func WithLogger(lg *slog.Logger) Option   { return func(l *Limiter) { l.logger = lg } }
func WithBreachFunc(fn BreachFunc) Option { return func(l *Limiter) { l.onBreach = fn } }

// NewLimiter creates an empty Limiter.
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func entryKey(cfgName, key string) string { return cfgName + ":" + key }

// CheckAndIncrement atomically checks key against cfg and, when allowed,
// counts the request against the window.
func (l *Limiter) CheckAndIncrement(key string, cfg Config) Decision {
	l.mu.Lock()
	d := l.checkAndIncrementLocked(key, cfg)
	l.mu.Unlock()

	if !d.Allowed {
		l.rejected(key, cfg, d)
	}
	return d
}

// CheckAndIncrementAll applies every config to key as one atomic decision:
// either all windows are incremented or none is. The first rejecting
// config wins.
func (l *Limiter) CheckAndIncrementAll(key string, cfgs []Config) Decision {
	l.mu.Lock()

	for _, cfg := range cfgs {
		e := l.entryLocked(key, cfg)
		if e.count >= cfg.Limit {
			d := Decision{
				Allowed:    false,
				Remaining:  0,
				RetryAfter: e.resetAt.Sub(l.clock.Now()),
				Config:     cfg.Name,
			}
			l.mu.Unlock()
			l.rejected(key, cfg, d)
			return d
		}
	}

	// All ceilings have room: commit the increments.
	d := Decision{Allowed: true, Remaining: int(^uint(0) >> 1)}
	for _, cfg := range cfgs {
		e := l.entryLocked(key, cfg)
		e.count++
		if rem := cfg.Limit - e.count; rem < d.Remaining {
			d.Remaining = rem
		}
	}
	l.mu.Unlock()
	return d
}

func (l *Limiter) checkAndIncrementLocked(key string, cfg Config) Decision {
	e := l.entryLocked(key, cfg)
	if e.count >= cfg.Limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: e.resetAt.Sub(l.clock.Now()),
			Config:     cfg.Name,
		}
	}
	e.count++
	return Decision{Allowed: true, Remaining: cfg.Limit - e.count}
}

// entryLocked returns the live window for (cfg, key), lazily resetting an
// expired one. Caller must hold l.mu.
func (l *Limiter) entryLocked(key string, cfg Config) *entry {
	now := l.clock.Now()
	k := entryKey(cfg.Name, key)

	e, ok := l.entries[k]
	if !ok {
		e = &entry{resetAt: now.Add(cfg.Window)}
		l.entries[k] = e
		return e
	}
	if !now.Before(e.resetAt) {
		e.count = 0
		e.resetAt = now.Add(cfg.Window)
	}
	return e
}

func (l *Limiter) rejected(key string, cfg Config, d Decision) {
	telemetry.RateLimitRejected.WithLabelValues(cfg.Name).Inc()
	l.logger.Warn("rate limit exceeded",
		slog.String("key", key),
		slog.String("config", cfg.Name),
		slog.Int("limit", cfg.Limit),
		slog.Duration("retry_after", d.RetryAfter),
	)
	if l.onBreach != nil {
		l.onBreach(key, cfg, l.clock.Now().Add(d.RetryAfter))
	}
}

// Sweep evicts every entry whose window has fully elapsed and returns the
// number evicted. Run periodically (the scheduler registers it) so stale
// keys do not accumulate between lazy resets.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for k, e := range l.entries {
		if !now.Before(e.resetAt) {
			delete(l.entries, k)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live window entries.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
