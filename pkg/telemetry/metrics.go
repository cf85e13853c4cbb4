package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Job queue ───────────────────────────────────────────────────────────────

	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowgate",
		Subsystem: "queue",
		Name:      "jobs_submitted_total",
		Help:      "Total jobs accepted into the queue.",
	}, []string{"type"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowgate",
		Subsystem: "queue",
		Name:      "jobs_processed_total",
		Help:      "Total jobs reaching a terminal state, labelled by type and status.",
	}, []string{"type", "status"})

	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowgate",
		Subsystem: "queue",
		Name:      "jobs_inflight",
		Help:      "Jobs currently leased to a worker.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowgate",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Pending jobs waiting for dispatch.",
	})

	JobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flowgate",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Handler execution time per attempt in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"type"})

	JobRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowgate",
		Subsystem: "queue",
		Name:      "retries_total",
		Help:      "Total retry attempts.",
	}, []string{"type"})

	DeadLetterTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowgate",
		Subsystem: "queue",
		Name:      "deadletter_total",
		Help:      "Total jobs moved to the dead letter state.",
	}, []string{"type"})

	LeasesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowgate",
		Subsystem: "queue",
		Name:      "leases_reaped_total",
		Help:      "Expired processing leases returned to pending by the reaper.",
	})

	MirrorDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowgate",
		Subsystem: "mirror",
		Name:      "writes_dropped_total",
		Help:      "Durable mirror writes dropped because the buffer was full.",
	})

	// ─── Circuit breaker ─────────────────────────────────────────────────────────

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flowgate",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Breaker state per dependency: 0=closed, 1=open, 2=half-open.",
	}, []string{"name"})

	BreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowgate",
		Subsystem: "breaker",
		Name:      "rejections_total",
		Help:      "Calls short-circuited while the breaker was open.",
	}, []string{"name"})

	// ─── Admission control ───────────────────────────────────────────────────────

	RateLimitRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowgate",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Requests rejected by the sliding-window rate limiter.",
	}, []string{"config"})

	QuotaUsagePercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flowgate",
		Subsystem: "quota",
		Name:      "usage_percent",
		Help:      "Quota consumption per tenant and quota type, 0–100+.",
	}, []string{"tenant", "type"})

	AdmissionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowgate",
		Subsystem: "admission",
		Name:      "rejected_total",
		Help:      "Requests rejected before enqueue, labelled by which gate refused.",
	}, []string{"gate"})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowgate",
		Subsystem: "scheduler",
		Name:      "fires_total",
		Help:      "Scheduled runs fired, per schedule name.",
	}, []string{"schedule"})

	SchedulerSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowgate",
		Subsystem: "scheduler",
		Name:      "skipped_total",
		Help:      "Fires skipped because the previous run was still in progress.",
	}, []string{"schedule"})
)
