package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/flowgate/internal/events"
	"github.com/ramiqadoumi/flowgate/pkg/telemetry"
)

// RunFunc is the work a schedule fires. The context is cancelled when the
// runner stops.
type RunFunc func(ctx context.Context) error

// entry is one registered schedule and its run bookkeeping.
type entry struct {
	name     string
	expr     string
	schedule cron.Schedule
	fn       RunFunc

	nextRun time.Time
	lastRun time.Time
	lastErr string
	running bool
	fires   uint64
	skips   uint64
}

// Status is a point-in-time view of one schedule.
type Status struct {
	Name      string    `json:"name"`
	Expr      string    `json:"expr"`
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run,omitzero"`
	Running   bool      `json:"running"`
	Fires     uint64    `json:"fires"`
	Skips     uint64    `json:"skips"`
	LastError string    `json:"last_error,omitempty"`
}

// Runner evaluates cron schedules on a coarse poll and fires them in their
// own goroutines. A schedule whose previous run is still in progress is
// skipped, not queued: missed fires are never backfilled.
type Runner struct {
	clock  clockwork.Clock
	logger *slog.Logger
	sink   events.Sink
	tick   time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	runs    sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

func WithClock(c clockwork.Clock) Option        { return func(r *Runner) { r.clock = c } }
func WithLogger(l *slog.Logger) Option          { return func(r *Runner) { r.logger = l } }
func WithSink(s events.Sink) Option             { return func(r *Runner) { r.sink = s } }
func WithTickInterval(d time.Duration) Option   { return func(r *Runner) { r.tick = d } }

// NewRunner creates a stopped Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		tick:    time.Second,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Schedule registers fn under name with a standard five-field cron
// expression. Names are unique; re-registering an existing name fails.
func (r *Runner) Schedule(name, cronExpr string, fn RunFunc) error {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q for schedule %q: %w", cronExpr, name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("schedule %q already registered", name)
	}
	r.entries[name] = &entry{
		name:     name,
		expr:     cronExpr,
		schedule: schedule,
		fn:       fn,
		nextRun:  schedule.Next(r.clock.Now().UTC()),
	}
	r.logger.Info("schedule registered",
		slog.String("schedule", name),
		slog.String("cron", cronExpr),
	)
	return nil
}

// Remove drops a schedule. An in-progress run is left to finish.
func (r *Runner) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	return ok
}

// Start launches the evaluation loop. Safe to call once per Runner.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("scheduler already started")
	}
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	ticker := r.clock.NewTicker(r.tick)
	go func() {
		defer close(r.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				r.fireDue(ctx)
			}
		}
	}()
	return nil
}

// Stop halts evaluation and waits for in-progress runs to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.runs.Wait()
}

// fireDue fires every schedule whose next run time has arrived. The next
// run is always computed from the current fire, so downtime produces at
// most one fire per schedule, never a burst.
func (r *Runner) fireDue(ctx context.Context) {
	now := r.clock.Now().UTC()

	r.mu.Lock()
	var due []*entry
	for _, e := range r.entries {
		if e.nextRun.IsZero() || now.Before(e.nextRun) {
			continue
		}
		e.nextRun = e.schedule.Next(now)
		if e.running {
			e.skips++
			telemetry.SchedulerSkipped.WithLabelValues(e.name).Inc()
			r.logger.Warn("schedule still running, fire skipped",
				slog.String("schedule", e.name),
			)
			continue
		}
		e.running = true
		e.lastRun = now
		e.fires++
		due = append(due, e)
	}
	r.mu.Unlock()

	for _, e := range due {
		telemetry.SchedulerFires.WithLabelValues(e.name).Inc()
		r.emit(ctx, e.name)
		r.runs.Add(1)
		go r.run(ctx, e)
	}
}

func (r *Runner) run(ctx context.Context, e *entry) {
	defer r.runs.Done()

	err := e.fn(ctx)

	r.mu.Lock()
	e.running = false
	if err != nil {
		e.lastErr = err.Error()
	} else {
		e.lastErr = ""
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("scheduled run failed",
			slog.String("schedule", e.name),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Info("scheduled run finished", slog.String("schedule", e.name))
}

// StatusOf returns the status of one schedule.
func (r *Runner) StatusOf(name string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Status{}, false
	}
	return statusOf(e), true
}

// Statuses returns every schedule sorted by name.
func (r *Runner) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, statusOf(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func statusOf(e *entry) Status {
	return Status{
		Name:      e.name,
		Expr:      e.expr,
		NextRun:   e.nextRun,
		LastRun:   e.lastRun,
		Running:   e.running,
		Fires:     e.fires,
		Skips:     e.skips,
		LastError: e.lastErr,
	}
}

func (r *Runner) emit(ctx context.Context, name string) {
	if r.sink == nil {
		return
	}
	r.sink.Emit(ctx, events.Event{
		Kind: events.KindScheduleFired,
		Name: name,
		At:   r.clock.Now().UTC(),
	})
}
