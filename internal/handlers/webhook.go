package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/flowgate/internal/breaker"
	"github.com/ramiqadoumi/flowgate/internal/domain"
)

// webhookPayload is the expected JSON structure in job.Payload.
type webhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// WebhookHandler makes an outbound HTTP call. Every call is routed through
// a circuit breaker keyed by target host, so one flapping endpoint cannot
// burn the retry budget of every webhook job aimed at it.
type WebhookHandler struct {
	client   *http.Client
	breakers *breaker.Registry
}

// NewWebhookHandler creates a WebhookHandler using the given breaker registry.
func NewWebhookHandler(breakers *breaker.Registry) *WebhookHandler {
	return &WebhookHandler{
		client:   &http.Client{Timeout: 15 * time.Second},
		breakers: breakers,
	}
}

func (h *WebhookHandler) JobType() string { return "webhook" }

// CheckPayload rejects malformed webhook payloads at submission time.
func (h *WebhookHandler) CheckPayload(payload json.RawMessage) error {
	_, err := parseWebhookPayload(payload)
	return err
}

func (h *WebhookHandler) Handle(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.webhook")
	defer span.End()

	p, err := parseWebhookPayload(job.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return nil, &domain.PermanentError{Err: err}
	}

	span.SetAttributes(
		attribute.String("webhook.url", p.URL),
		attribute.String("webhook.method", p.Method),
	)

	target, _ := url.Parse(p.URL)
	br := h.breakers.Get("webhook:" + target.Host)

	res, err := br.Call(ctx, func(ctx context.Context) (any, error) {
		return h.deliver(ctx, p)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook delivery failed")
		return nil, err
	}

	statusCode := res.(int)
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if statusCode >= http.StatusBadRequest {
		// 4xx responses short of the breaker error path: the endpoint is
		// reachable but rejects this request, so retrying cannot help.
		err := &domain.PermanentError{
			Err: fmt.Errorf("webhook %s returned status %d", p.URL, statusCode),
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected by endpoint")
		return nil, err
	}

	out, _ := json.Marshal(map[string]int{"status_code": statusCode})
	return out, nil
}

// deliver performs one HTTP call. Transport failures, timeouts, and 5xx
// responses return an error so the breaker counts them; other status codes
// are returned as the call result.
func (h *WebhookHandler) deliver(ctx context.Context, p webhookPayload) (int, error) {
	var bodyReader io.Reader
	if p.Body != "" {
		bodyReader = strings.NewReader(p.Body)
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, bodyReader)
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook call to %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return 0, fmt.Errorf("webhook %s returned status %d", p.URL, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, fmt.Errorf("webhook %s throttled the request", p.URL)
	default:
		return resp.StatusCode, nil
	}
}

func parseWebhookPayload(payload json.RawMessage) (webhookPayload, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if p.URL == "" {
		return p, errors.New("webhook payload missing required field 'url'")
	}
	if u, err := url.Parse(p.URL); err != nil || u.Host == "" {
		return p, fmt.Errorf("webhook payload has unparseable url %q", p.URL)
	}
	if p.Method == "" {
		p.Method = http.MethodPost
	}
	return p, nil
}
