package handlers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/flowgate/internal/domain"
	"github.com/ramiqadoumi/flowgate/internal/handlers"
)

func TestEmailHandler_JobType(t *testing.T) {
	h := handlers.NewEmailHandler(handlers.EmailConfig{Host: "localhost", Port: 1025, From: "from@test.com"})
	assert.Equal(t, "email", h.JobType())
}

func TestEmailHandler_Handle_InvalidJSON(t *testing.T) {
	h := handlers.NewEmailHandler(handlers.EmailConfig{Host: "localhost", Port: 1025})
	job := &domain.Job{Payload: []byte("not-json")}

	_, err := h.Handle(context.Background(), job)
	require.Error(t, err, "should fail on invalid JSON payload")

	var perm *domain.PermanentError
	assert.ErrorAs(t, err, &perm, "malformed payloads must not be retried")
}

func TestEmailHandler_Handle_MissingTo(t *testing.T) {
	h := handlers.NewEmailHandler(handlers.EmailConfig{Host: "localhost", Port: 1025})
	job := &domain.Job{Payload: []byte(`{"subject":"hi","body":"world"}`)}

	_, err := h.Handle(context.Background(), job)
	require.Error(t, err, "should fail when 'to' field is missing")
	assert.Contains(t, err.Error(), "to")
}

func TestEmailHandler_CheckPayload(t *testing.T) {
	h := handlers.NewEmailHandler(handlers.EmailConfig{Host: "localhost", Port: 1025})

	assert.Error(t, h.CheckPayload([]byte(`{"subject":"hi"}`)))
	assert.NoError(t, h.CheckPayload([]byte(`{"to":"x@y.com","subject":"hi"}`)))
}

func TestEmailHandler_Handle_CancelledContext(t *testing.T) {
	h := handlers.NewEmailHandler(handlers.EmailConfig{Host: "localhost", Port: 1025})
	job := &domain.Job{Payload: []byte(`{"to":"x@y.com","subject":"hi","body":"world"}`)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel before calling Handle

	_, err := h.Handle(ctx, job)
	require.Error(t, err, "cancelled context should result in an error")
}
