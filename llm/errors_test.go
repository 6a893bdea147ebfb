package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindPredicates(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		predicate func(error) bool
		want      bool
	}{
		{"unavailable matches", NewUnavailable(ProviderClaude, "no key", nil), IsUnavailable, true},
		{"unavailable does not match execution", NewUnavailable(ProviderClaude, "no key", nil), IsExecutionFailed, false},
		{"execution failed matches", NewExecutionFailed(ProviderOpenAI, "boom", errors.New("500")), IsExecutionFailed, true},
		{"quota matches", NewQuotaExceeded("over budget"), IsQuotaExceeded, true},
		{"permission matches", NewPermissionDenied("tool denied"), IsPermissionDenied, true},
		{"plain error matches nothing", errors.New("plain"), IsUnavailable, false},
		{"nil matches nothing", nil, IsQuotaExceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.predicate(tt.err); got != tt.want {
				t.Errorf("predicate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewUnavailable(ProviderOllama, "ollama unreachable", cause)

	wrapped := fmt.Errorf("chat failed: %w", err)
	if !IsUnavailable(wrapped) {
		t.Error("kind should survive wrapping")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("cause should be reachable through Unwrap")
	}
}

func TestIsHardStop(t *testing.T) {
	if !IsHardStop(NewQuotaExceeded("cap")) {
		t.Error("quota errors are hard stops")
	}
	if !IsHardStop(NewPermissionDenied("no")) {
		t.Error("permission errors are hard stops")
	}
	if IsHardStop(NewExecutionFailed(ProviderGemini, "parse", nil)) {
		t.Error("execution failures are not hard stops")
	}
}

func TestUsageTotal(t *testing.T) {
	u := Usage{PromptTokens: 10, CompletionTokens: 5}
	if u.Total() != 15 {
		t.Errorf("Total() = %d, want 15", u.Total())
	}
	u.TotalTokens = 20
	if u.Total() != 20 {
		t.Errorf("Total() = %d, want reported 20", u.Total())
	}
}
