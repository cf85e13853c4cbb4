package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/flowgate/internal/domain"
	"github.com/ramiqadoumi/flowgate/pkg/telemetry"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// stateGaugeValue maps states onto the circuit_breaker_state gauge.
func stateGaugeValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Settings control one breaker's thresholds and cool-down.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that trips
	// CLOSED → OPEN.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive trial successes that
	// closes a HALF_OPEN breaker.
	SuccessThreshold int
	// ResetTimeout is the base OPEN cool-down before trial calls are allowed.
	ResetTimeout time.Duration
	// MaxTimeoutScale caps the cool-down growth across consecutive open
	// cycles. The effective timeout doubles per cycle up to
	// ResetTimeout × MaxTimeoutScale.
	MaxTimeoutScale int
}

// DefaultSettings mirror common service-to-service guard values.
var DefaultSettings = Settings{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	ResetTimeout:     30 * time.Second,
	MaxTimeoutScale:  8,
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultSettings.FailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = DefaultSettings.SuccessThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = DefaultSettings.ResetTimeout
	}
	if s.MaxTimeoutScale <= 0 {
		s.MaxTimeoutScale = DefaultSettings.MaxTimeoutScale
	}
	return s
}

// Snapshot is a read-only view of a breaker, also mirrored to the durable
// store on state changes.
type Snapshot struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	FailureThreshold int       `json:"failure_threshold"`
	SuccessThreshold int       `json:"success_threshold"`
	ResetTimeout     string    `json:"reset_timeout"`
	OpenCycles       int       `json:"open_cycles"`
	LastFailureTime  time.Time `json:"last_failure_time,omitzero"`
}

// Operation is the guarded call.
type Operation func(ctx context.Context) (any, error)

// Fallback absorbs a failure: it receives the original error (a
// *domain.CircuitOpenError when the call was short-circuited) and produces
// a substitute result.
type Fallback func(ctx context.Context, err error) (any, error)

// StateChangeFunc observes transitions. Called outside the breaker lock.
type StateChangeFunc func(name string, from, to State, snap Snapshot)

// Breaker guards calls to one named external dependency. All call sites
// share the instance obtained from the Registry.
type Breaker struct {
	name     string
	settings Settings
	clock    clockwork.Clock
	logger   *slog.Logger
	onChange StateChangeFunc

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	openCycles      int
	lastFailureTime time.Time
}

// New creates a CLOSED breaker. Zero-valued settings fields fall back to
// DefaultSettings.
func New(name string, settings Settings, clock clockwork.Clock, logger *slog.Logger, onChange StateChangeFunc) *Breaker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		clock:    clock,
		logger:   logger,
		onChange: onChange,
		state:    StateClosed,
	}
	telemetry.BreakerState.WithLabelValues(name).Set(stateGaugeValue(StateClosed))
	return b
}

// Call executes op under the breaker with no fallback.
func (b *Breaker) Call(ctx context.Context, op Operation) (any, error) {
	return b.CallWithFallback(ctx, op, nil)
}

// CallWithFallback executes op under the breaker.
//
// While OPEN and the cool-down has not elapsed, op is never invoked: the
// fallback (if any) absorbs a *domain.CircuitOpenError, otherwise that
// error is returned. Otherwise op runs, its outcome updates the counters,
// and on failure the fallback (if any) is offered the original error.
func (b *Breaker) CallWithFallback(ctx context.Context, op Operation, fallback Fallback) (any, error) {
	ctx, span := otel.Tracer("breaker").Start(ctx, "breaker.call")
	defer span.End()
	span.SetAttributes(attribute.String("breaker.name", b.name))

	if retryAfter, rejected := b.admit(); rejected {
		telemetry.BreakerRejections.WithLabelValues(b.name).Inc()
		openErr := &domain.CircuitOpenError{Name: b.name, RetryAfter: retryAfter}
		span.RecordError(openErr)
		if fallback != nil {
			return fallback(ctx, openErr)
		}
		return nil, openErr
	}

	result, err := op(ctx)
	if err != nil {
		b.recordFailure()
		span.RecordError(err)
		if fallback != nil {
			return fallback(ctx, err)
		}
		return nil, err
	}

	b.recordSuccess()
	return result, nil
}

// admit decides whether a call may proceed. Returns the remaining
// cool-down and true when the call must be short-circuited.
func (b *Breaker) admit() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0, false
	}

	elapsed := b.clock.Since(b.lastFailureTime)
	timeout := b.currentTimeout()
	if elapsed < timeout {
		return timeout - elapsed, true
	}

	// Cool-down elapsed: permit trial calls.
	b.transition(StateHalfOpen)
	return 0, false
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.settings.SuccessThreshold {
			b.openCycles = 0
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failureCount = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = b.clock.Now()

	switch b.state {
	case StateHalfOpen:
		// A single failing trial call re-opens the breaker.
		b.openCycles++
		b.transition(StateOpen)
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.settings.FailureThreshold {
			b.openCycles++
			b.transition(StateOpen)
		}
	}
}

// currentTimeout scales the base cool-down by consecutive open cycles.
// Caller must hold b.mu.
func (b *Breaker) currentTimeout() time.Duration {
	timeout := b.settings.ResetTimeout
	maxTimeout := b.settings.ResetTimeout * time.Duration(b.settings.MaxTimeoutScale)
	for i := 1; i < b.openCycles; i++ {
		timeout *= 2
		if timeout >= maxTimeout {
			return maxTimeout
		}
	}
	return timeout
}

// transition moves to next and resets the per-state counters.
// Caller must hold b.mu.
func (b *Breaker) transition(next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.failureCount = 0
	b.successCount = 0

	telemetry.BreakerState.WithLabelValues(b.name).Set(stateGaugeValue(next))
	b.logger.Info("breaker state change",
		slog.String("breaker", b.name),
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
		slog.Int("open_cycles", b.openCycles),
	)

	if b.onChange != nil {
		snap := b.snapshotLocked()
		go b.onChange(b.name, prev, next, snap)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) snapshotLocked() Snapshot {
	return Snapshot{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.settings.FailureThreshold,
		SuccessThreshold: b.settings.SuccessThreshold,
		ResetTimeout:     b.settings.ResetTimeout.String(),
		OpenCycles:       b.openCycles,
		LastFailureTime:  b.lastFailureTime,
	}
}

// Reset forces the breaker back to CLOSED with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openCycles = 0
	b.lastFailureTime = time.Time{}
	if b.state == StateClosed {
		b.failureCount = 0
		b.successCount = 0
		return
	}
	b.transition(StateClosed)
}
