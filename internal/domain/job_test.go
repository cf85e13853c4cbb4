package domain_test

import (
	"testing"

	"github.com/ramiqadoumi/flowgate/internal/domain"
)

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		status domain.Status
		want   string
	}{
		{domain.StatusPending, "PENDING"},
		{domain.StatusProcessing, "PROCESSING"},
		{domain.StatusCompleted, "COMPLETED"},
		{domain.StatusRetrying, "RETRYING"},
		{domain.StatusDeadLetter, "DEAD_LETTER"},
		{domain.StatusCancelled, "CANCELLED"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.status) != tt.want {
				t.Errorf("Status value = %q, want %q", tt.status, tt.want)
			}
		})
	}
}

func TestIsTerminal_TerminalStates(t *testing.T) {
	for _, s := range []domain.Status{
		domain.StatusCompleted, domain.StatusDeadLetter, domain.StatusCancelled,
	} {
		t.Run(string(s), func(t *testing.T) {
			if !s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = false, want true", s)
			}
		})
	}
}

func TestIsTerminal_NonTerminalStates(t *testing.T) {
	for _, s := range []domain.Status{
		domain.StatusPending, domain.StatusProcessing, domain.StatusRetrying,
	} {
		t.Run(string(s), func(t *testing.T) {
			if s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = true, want false", s)
			}
		})
	}
}

func TestCanTransition_LegalPaths(t *testing.T) {
	legal := []struct {
		from, to domain.Status
	}{
		{domain.StatusPending, domain.StatusProcessing},
		{domain.StatusPending, domain.StatusCancelled},
		{domain.StatusProcessing, domain.StatusCompleted},
		{domain.StatusProcessing, domain.StatusRetrying},
		{domain.StatusProcessing, domain.StatusDeadLetter},
		{domain.StatusProcessing, domain.StatusCancelled},
		{domain.StatusRetrying, domain.StatusPending},
	}
	for _, tt := range legal {
		if !tt.from.CanTransition(tt.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tt.from, tt.to)
		}
	}
}

func TestCanTransition_IllegalPaths(t *testing.T) {
	illegal := []struct {
		from, to domain.Status
	}{
		{domain.StatusPending, domain.StatusCompleted},
		{domain.StatusPending, domain.StatusDeadLetter},
		{domain.StatusCompleted, domain.StatusPending},
		{domain.StatusDeadLetter, domain.StatusProcessing},
		{domain.StatusCancelled, domain.StatusPending},
		{domain.StatusRetrying, domain.StatusProcessing},
		{domain.StatusProcessing, domain.StatusPending},
	}
	for _, tt := range illegal {
		if tt.from.CanTransition(tt.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tt.from, tt.to)
		}
	}
}
