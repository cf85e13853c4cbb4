package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ramiqadoumi/flowgate/internal/domain"
)

// Handler processes a job of a specific type. The returned raw message is
// stored as the job result on success.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) (json.RawMessage, error)
	JobType() string
}

// PayloadChecker is implemented by handlers that can validate a payload
// before the job is accepted into the queue.
type PayloadChecker interface {
	CheckPayload(payload json.RawMessage) error
}

// Registry maps job types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.JobType()] = h
}

// Get returns the handler for the given job type.
// Returns UnknownJobTypeError if not registered.
func (r *Registry) Get(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, &domain.UnknownJobTypeError{JobType: jobType}
	}
	return h, nil
}

// Payloads builds a payload registry from the registered handlers so
// submission-time validation matches what each handler will accept.
// Handlers that do not implement PayloadChecker accept any payload.
func (r *Registry) Payloads() *domain.PayloadRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg := domain.NewPayloadRegistry()
	for jobType, h := range r.handlers {
		if checker, ok := h.(PayloadChecker); ok {
			reg.Register(jobType, checker.CheckPayload)
		} else {
			reg.Register(jobType, nil)
		}
	}
	return reg
}
