package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/flowgate/internal/breaker"
	"github.com/ramiqadoumi/flowgate/internal/domain"
	"github.com/ramiqadoumi/flowgate/internal/handlers"
)

func newWebhook() *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(breaker.NewRegistry(breaker.DefaultSettings, nil, nil, nil))
}

func TestWebhookHandler_JobType(t *testing.T) {
	assert.Equal(t, "webhook", newWebhook().JobType())
}

func TestWebhookHandler_Handle_InvalidJSON(t *testing.T) {
	h := newWebhook()
	job := &domain.Job{Payload: []byte("not-json")}

	_, err := h.Handle(context.Background(), job)
	require.Error(t, err)

	var perm *domain.PermanentError
	assert.ErrorAs(t, err, &perm, "malformed payloads must not be retried")
}

func TestWebhookHandler_Handle_MissingURL(t *testing.T) {
	h := newWebhook()
	job := &domain.Job{Payload: []byte(`{"method":"POST","body":"hello"}`)}

	_, err := h.Handle(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

func TestWebhookHandler_Handle_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newWebhook()
	job := &domain.Job{
		Payload: []byte(`{"url":"` + srv.URL + `","method":"POST","body":"ping"}`),
	}

	result, err := h.Handle(context.Background(), job)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status_code":200}`, string(result))
}

func TestWebhookHandler_Handle_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newWebhook()
	job := &domain.Job{
		Payload: []byte(`{"url":"` + srv.URL + `","method":"GET"}`),
	}

	_, err := h.Handle(context.Background(), job)
	require.Error(t, err, "status 500 should produce an error")
	assert.True(t, domain.IsRetryable(err), "5xx responses are transient")
}

func TestWebhookHandler_Handle_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	h := newWebhook()
	job := &domain.Job{
		Payload: []byte(`{"url":"` + srv.URL + `","method":"POST"}`),
	}

	_, err := h.Handle(context.Background(), job)
	require.Error(t, err)

	var perm *domain.PermanentError
	assert.ErrorAs(t, err, &perm, "4xx responses must not be retried")
}

func TestWebhookHandler_Handle_DefaultsMethodToPOST(t *testing.T) {
	var receivedMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newWebhook()
	job := &domain.Job{
		Payload: []byte(`{"url":"` + srv.URL + `"}`), // no "method" field
	}

	_, err := h.Handle(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, receivedMethod)
}

func TestWebhookHandler_Handle_SetsCustomHeaders(t *testing.T) {
	var receivedHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeader = r.Header.Get("X-Secret")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newWebhook()
	job := &domain.Job{
		Payload: []byte(`{"url":"` + srv.URL + `","headers":{"X-Secret":"token123"}}`),
	}

	_, err := h.Handle(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "token123", receivedHeader)
}

func TestWebhookHandler_Handle_BreakerOpensPerHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
	}, nil, nil, nil)
	h := handlers.NewWebhookHandler(breakers)
	job := &domain.Job{Payload: []byte(`{"url":"` + srv.URL + `"}`)}

	for i := 0; i < 2; i++ {
		_, err := h.Handle(context.Background(), job)
		require.Error(t, err)
	}

	// The breaker for this host is now open: the next call is rejected
	// without reaching the server.
	_, err := h.Handle(context.Background(), job)
	var open *domain.CircuitOpenError
	assert.ErrorAs(t, err, &open)
	assert.True(t, domain.IsRetryable(err), "open-circuit rejections stay retryable")
}
