package domain

import (
	"encoding/json"
	"sync"
)

// PayloadValidator checks a raw payload against the schema of one job type.
// Returning an error rejects the submit with an InvalidPayloadError.
type PayloadValidator func(payload json.RawMessage) error

// PayloadRegistry maps job types to their payload validators, making
// Job.Payload a tagged union keyed by Job.Type: every variant is
// schema-validated at submit time, before the job enters the queue.
type PayloadRegistry struct {
	mu         sync.RWMutex
	validators map[string]PayloadValidator
}

// NewPayloadRegistry creates an empty PayloadRegistry.
func NewPayloadRegistry() *PayloadRegistry {
	return &PayloadRegistry{validators: make(map[string]PayloadValidator)}
}

// Register adds a validator for a job type. Safe to call concurrently.
func (r *PayloadRegistry) Register(jobType string, v PayloadValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[jobType] = v
}

// Validate checks payload against the validator registered for jobType.
// An unknown job type is rejected; a job type registered with a nil
// validator accepts any payload.
func (r *PayloadRegistry) Validate(jobType string, payload json.RawMessage) error {
	r.mu.RLock()
	v, ok := r.validators[jobType]
	r.mu.RUnlock()

	if !ok {
		return &UnknownJobTypeError{JobType: jobType}
	}
	if v == nil {
		return nil
	}
	if err := v(payload); err != nil {
		return &InvalidPayloadError{JobType: jobType, Reason: err.Error()}
	}
	return nil
}

// Types returns the registered job types.
func (r *PayloadRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.validators))
	for t := range r.validators {
		types = append(types, t)
	}
	return types
}
