package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/flowgate/internal/admission"
	"github.com/ramiqadoumi/flowgate/internal/breaker"
	"github.com/ramiqadoumi/flowgate/internal/domain"
	"github.com/ramiqadoumi/flowgate/internal/quota"
	"github.com/ramiqadoumi/flowgate/internal/queue"
	"github.com/ramiqadoumi/flowgate/internal/scheduler"
)

const tenantHeader = "X-Tenant-ID"

// quotaTypeJobs is the quota budget consumed by one accepted job.
const quotaTypeJobs = "jobs"

// API exposes the control surface over HTTP: job submission behind the
// admission gate, job inspection, dead-letter operations, and the guard
// registries.
type API struct {
	queue     *queue.Queue
	gate      *admission.Gate
	breakers  *breaker.Registry
	quotas    *quota.Manager
	schedules *scheduler.Runner
	logger    *slog.Logger
}

// Option configures an API.
type Option func(*API)

func WithGate(g *admission.Gate) Option          { return func(a *API) { a.gate = g } }
func WithBreakers(r *breaker.Registry) Option    { return func(a *API) { a.breakers = r } }
func WithQuotas(m *quota.Manager) Option         { return func(a *API) { a.quotas = m } }
func WithSchedules(r *scheduler.Runner) Option   { return func(a *API) { a.schedules = r } }
func WithLogger(l *slog.Logger) Option           { return func(a *API) { a.logger = l } }

// New creates an API around the queue.
func New(q *queue.Queue, opts ...Option) *API {
	a := &API{queue: q, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router builds the chi router with all routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger(a.logger))
	r.Use(MaxBodySize(1 << 20)) // 1MB limit

	r.Get("/healthz", a.healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", a.submitJob)
		r.Get("/jobs/{id}", a.getJob)
		r.Delete("/jobs/{id}", a.cancelJob)
		r.Get("/deadletter", a.listDeadLetter)
		r.Post("/deadletter/{id}/replay", a.replayJob)

		if a.breakers != nil {
			r.Get("/breakers", a.listBreakers)
			r.Post("/breakers/{name}/reset", a.resetBreaker)
		}
		if a.quotas != nil {
			r.Get("/quotas/{tenant}", a.tenantQuotas)
			r.Post("/quotas/{tenant}/{type}/reset", a.resetQuota)
		}
		if a.schedules != nil {
			r.Get("/schedules", a.listSchedules)
		}
	})
	return r
}

// SubmitJobRequest is the JSON body for POST /api/v1/jobs.
type SubmitJobRequest struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	MaxRetries *int            `json:"max_retries,omitempty"`
	TenantID   string          `json:"tenant_id,omitempty"`
}

// SubmitJobResponse is the 202 response body.
type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("httpapi").Start(r.Context(), "httpapi.submit_job")
	defer span.End()

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, "field 'type' is required")
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		writeError(w, http.StatusBadRequest, "field 'payload' is required")
		return
	}

	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = r.Header.Get(tenantHeader)
	}
	span.SetAttributes(
		attribute.String("job.type", req.Type),
		attribute.String("tenant.id", tenantID),
	)

	// Refuse malformed jobs before the gate so a rejected request never
	// consumes admission budget.
	if err := a.queue.CheckPayload(req.Type, req.Payload); err != nil {
		span.RecordError(err)
		writeDomainError(w, err)
		return
	}

	if a.gate != nil {
		if err := a.gate.Admit(ctx, admission.Request{
			TenantID:  tenantID,
			QuotaType: quotaTypeJobs,
		}); err != nil {
			span.RecordError(err)
			writeAdmissionError(w, err)
			return
		}
	}

	maxRetries := -1
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	jobID, err := a.queue.Submit(ctx, queue.SubmitRequest{
		Type:       req.Type,
		Payload:    req.Payload,
		Priority:   req.Priority,
		MaxRetries: maxRetries,
	})
	if err != nil {
		span.RecordError(err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitJobResponse{
		JobID:  jobID,
		Status: string(domain.StatusPending),
	})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := a.queue.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (a *API) listDeadLetter(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid 'limit'")
			return
		}
		limit = n
	}
	jobs := a.queue.ListByStatus(r.Context(), domain.StatusDeadLetter, limit)
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (a *API) replayJob(w http.ResponseWriter, r *http.Request) {
	if err := a.queue.Replay(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "replayed"})
}

func (a *API) listBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": a.breakers.Snapshots()})
}

func (a *API) resetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.breakers.Reset(name) {
		writeError(w, http.StatusNotFound, "breaker not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (a *API) tenantQuotas(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenant,
		"quotas":    a.quotas.Statuses(tenant),
	})
}

func (a *API) resetQuota(w http.ResponseWriter, r *http.Request) {
	a.quotas.ResetQuota(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "type"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (a *API) listSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"schedules": a.schedules.Statuses()})
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeAdmissionError maps gate refusals to 429 with a Retry-After hint.
func writeAdmissionError(w http.ResponseWriter, err error) {
	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		setRetryAfter(w, rl.RetryAfter)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": rl.Error()})
		return
	}
	var qe *domain.QuotaExceededError
	if errors.As(err, &qe) {
		setRetryAfter(w, time.Until(qe.ResetAt))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": qe.Error()})
		return
	}
	writeError(w, http.StatusServiceUnavailable, err.Error())
}

func writeDomainError(w http.ResponseWriter, err error) {
	var notFound *domain.JobNotFoundError
	var invalidTransition *domain.InvalidTransitionError
	var unknownType *domain.UnknownJobTypeError
	var invalidPayload *domain.InvalidPayloadError
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &unknownType), errors.As(err, &invalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
