package breaker

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Registry owns one breaker per protected dependency name. It is
// constructed at process bootstrap and passed by reference; there is no
// package-level instance, so tests and multiple embedded subsystems stay
// isolated.
type Registry struct {
	defaults Settings
	clock    clockwork.Clock
	logger   *slog.Logger
	onChange StateChangeFunc

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry. Breakers are created lazily on first Get
// with the given default settings.
func NewRegistry(defaults Settings, clock clockwork.Clock, logger *slog.Logger, onChange StateChangeFunc) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		defaults: defaults.withDefaults(),
		clock:    clock,
		logger:   logger,
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the shared breaker for name, creating it with the registry
// defaults on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.defaults, r.clock, r.logger, r.onChange)
	r.breakers[name] = b
	return b
}

// Configure creates (or replaces) the breaker for name with explicit
// settings. Intended for bootstrap wiring before traffic flows.
func (r *Registry) Configure(name string, settings Settings) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := New(name, settings, r.clock, r.logger, r.onChange)
	r.breakers[name] = b
	return b
}

// Snapshots returns a stable-ordered view of every registered breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, len(breakers))
	for i, b := range breakers {
		snaps[i] = b.Snapshot()
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

// Reset forces the named breaker (if it exists) back to CLOSED.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}
