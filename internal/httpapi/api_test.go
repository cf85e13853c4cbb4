package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/flowgate/internal/admission"
	"github.com/ramiqadoumi/flowgate/internal/breaker"
	"github.com/ramiqadoumi/flowgate/internal/domain"
	"github.com/ramiqadoumi/flowgate/internal/quota"
	"github.com/ramiqadoumi/flowgate/internal/queue"
	"github.com/ramiqadoumi/flowgate/internal/ratelimit"
	"github.com/ramiqadoumi/flowgate/internal/scheduler"
)

type harness struct {
	api      *API
	queue    *queue.Queue
	quotas   *quota.Manager
	breakers *breaker.Registry
	srv      *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()

	payloads := domain.NewPayloadRegistry()
	payloads.Register("email", nil)
	q := queue.New(
		queue.WithClock(clock),
		queue.WithBaseDelay(time.Millisecond),
		queue.WithPayloads(payloads),
	)
	quotas := quota.NewManager([]quota.Limit{
		{Type: "jobs", Limit: 3, Cadence: quota.CadenceDaily},
	}, quota.WithClock(clock))
	breakers := breaker.NewRegistry(breaker.DefaultSettings, clock, nil, nil)
	limiter := ratelimit.NewLimiter(ratelimit.WithClock(clock))
	gate := admission.NewGate(
		admission.WithQuotas(quotas),
		admission.WithTenantLimits(limiter, []ratelimit.Config{
			{Name: "burst", Limit: 10, Window: time.Second},
		}),
	)
	schedules := scheduler.NewRunner(scheduler.WithClock(clock))

	api := New(q,
		WithGate(gate),
		WithQuotas(quotas),
		WithBreakers(breakers),
		WithSchedules(schedules),
	)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return &harness{api: api, queue: q, quotas: quotas, breakers: breakers, srv: srv}
}

func (h *harness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSubmitJob_Accepted(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/jobs",
		`{"type":"email","payload":{"to":"x@y.com"},"priority":5,"tenant_id":"t1"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[SubmitJobResponse](t, resp)
	assert.NotEmpty(t, body.JobID)
	assert.Equal(t, "PENDING", body.Status)

	job, err := h.queue.Status(context.Background(), body.JobID)
	require.NoError(t, err)
	assert.Equal(t, 5, job.Priority)
}

func TestSubmitJob_Validation(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/jobs", `{"payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/jobs", `{"type":"email"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/jobs", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitJob_RejectedTypeDoesNotConsumeQuota(t *testing.T) {
	h := newHarness(t)

	// Exhaustively malformed submissions: unknown type, refused before
	// the admission gate.
	for i := 0; i < 5; i++ {
		resp := h.do(t, http.MethodPost, "/api/v1/jobs",
			`{"type":"sms","payload":{},"tenant_id":"t1"}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}

	st, ok := h.quotas.StatusOf("t1", "jobs")
	if ok {
		assert.Zero(t, st.Record.Used, "rejected submissions must not consume quota")
	}

	// The tenant's full budget is still available for valid jobs.
	for i := 0; i < 3; i++ {
		resp := h.do(t, http.MethodPost, "/api/v1/jobs",
			`{"type":"email","payload":{},"tenant_id":"t1"}`)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
}

func TestSubmitJob_QuotaRefusalIs429(t *testing.T) {
	h := newHarness(t)

	body := `{"type":"email","payload":{},"tenant_id":"t1"}`
	for i := 0; i < 3; i++ {
		resp := h.do(t, http.MethodPost, "/api/v1/jobs", body)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp := h.do(t, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Other tenants are unaffected.
	resp = h.do(t, http.MethodPost, "/api/v1/jobs",
		`{"type":"email","payload":{},"tenant_id":"t2"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestGetJob(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/jobs",
		`{"type":"email","payload":{},"tenant_id":"t1"}`)
	submitted := decode[SubmitJobResponse](t, resp)

	resp = h.do(t, http.MethodGet, "/api/v1/jobs/"+submitted.JobID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode[domain.Job](t, resp)
	assert.Equal(t, submitted.JobID, job.ID)

	resp = h.do(t, http.MethodGet, "/api/v1/jobs/unknown-id", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/jobs",
		`{"type":"email","payload":{},"tenant_id":"t1"}`)
	submitted := decode[SubmitJobResponse](t, resp)

	resp = h.do(t, http.MethodDelete, "/api/v1/jobs/"+submitted.JobID, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// A terminal job cannot be cancelled again.
	resp = h.do(t, http.MethodDelete, "/api/v1/jobs/"+submitted.JobID, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDeadLetterListAndReplay(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/jobs",
		`{"type":"email","payload":{},"max_retries":0,"tenant_id":"t1"}`)
	submitted := decode[SubmitJobResponse](t, resp)

	lease, err := h.queue.DequeueNext(context.Background(), "w1")
	require.NoError(t, err)
	require.NoError(t, h.queue.Fail(context.Background(), lease.Token, errors.New("boom")))

	resp = h.do(t, http.MethodGet, "/api/v1/deadletter", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Jobs  []domain.Job `json:"jobs"`
		Count int          `json:"count"`
	}](t, resp)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, submitted.JobID, list.Jobs[0].ID)

	resp = h.do(t, http.MethodPost, "/api/v1/deadletter/"+submitted.JobID+"/replay", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	job, err := h.queue.Status(context.Background(), submitted.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, job.Status)

	// Replaying a non-dead-letter job conflicts.
	resp = h.do(t, http.MethodPost, "/api/v1/deadletter/"+submitted.JobID+"/replay", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestBreakerEndpoints(t *testing.T) {
	h := newHarness(t)
	h.breakers.Get("webhook:api.example.com")

	resp := h.do(t, http.MethodGet, "/api/v1/breakers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Breakers []breaker.Snapshot `json:"breakers"`
	}](t, resp)
	require.Len(t, body.Breakers, 1)
	assert.Equal(t, "webhook:api.example.com", body.Breakers[0].Name)

	resp = h.do(t, http.MethodPost, "/api/v1/breakers/webhook:api.example.com/reset", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/breakers/nope/reset", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQuotaEndpoints(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/jobs",
		`{"type":"email","payload":{},"tenant_id":"t1"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/v1/quotas/t1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Quotas []quota.Status `json:"quotas"`
	}](t, resp)
	require.Len(t, body.Quotas, 1)
	assert.Equal(t, int64(1), body.Quotas[0].Record.Used)

	resp = h.do(t, http.MethodPost, "/api/v1/quotas/t1/jobs/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st, ok := h.quotas.StatusOf("t1", "jobs")
	require.True(t, ok)
	assert.Equal(t, int64(0), st.Record.Used)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
