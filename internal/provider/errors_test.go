package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestKindClassification(t *testing.T) {
	retryable := []Kind{KindRateLimited, KindTimeout}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("Expected %s to be retryable", k)
		}
		if k.Terminal() {
			t.Errorf("Expected %s not to be terminal", k)
		}
	}

	terminal := []Kind{KindModelNotFound, KindCallerError, KindAllProvidersExhausted}
	for _, k := range terminal {
		if !k.Terminal() {
			t.Errorf("Expected %s to be terminal", k)
		}
		if k.Retryable() {
			t.Errorf("Expected %s not to be retryable", k)
		}
	}

	if KindProviderUnavailable.Retryable() || KindProviderUnavailable.Terminal() {
		t.Error("Expected provider_unavailable to be fatal but not terminal")
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusRequestTimeout, KindTimeout},
		{http.StatusGatewayTimeout, KindTimeout},
		{http.StatusBadRequest, KindCallerError},
		{http.StatusNotFound, KindCallerError},
		{http.StatusUnprocessableEntity, KindCallerError},
		{http.StatusUnauthorized, KindProviderUnavailable},
		{http.StatusForbidden, KindProviderUnavailable},
		{http.StatusInternalServerError, KindProviderUnavailable},
		{http.StatusServiceUnavailable, KindProviderUnavailable},
	}
	for _, tc := range cases {
		gerr := ClassifyStatus("openai", tc.status, nil)
		if gerr.Kind != tc.kind {
			t.Errorf("status %d: expected %s, got %s", tc.status, tc.kind, gerr.Kind)
		}
		if gerr.Provider != "openai" {
			t.Errorf("status %d: expected provider name on error", tc.status)
		}
	}
}

func TestClassifyStatus_ExtractsVendorMessage(t *testing.T) {
	body := []byte(`{"error":{"message":"insufficient quota","type":"insufficient_quota","internal_detail":"shard 7"}}`)
	gerr := ClassifyStatus("openai", http.StatusTooManyRequests, body)
	if !strings.Contains(gerr.Message, "insufficient quota") {
		t.Errorf("Expected extracted vendor message, got %q", gerr.Message)
	}
	if strings.Contains(gerr.Message, "shard 7") {
		t.Errorf("Raw vendor body leaked into message: %q", gerr.Message)
	}

	// Anthropic-style nesting.
	gerr = ClassifyStatus("claude", http.StatusBadRequest, []byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens required"}}`))
	if !strings.Contains(gerr.Message, "max_tokens required") {
		t.Errorf("Expected extracted message, got %q", gerr.Message)
	}

	// Unparseable body falls back to the status text.
	gerr = ClassifyStatus("gemini", http.StatusServiceUnavailable, []byte("<html>oops</html>"))
	if !strings.Contains(gerr.Message, http.StatusText(http.StatusServiceUnavailable)) {
		t.Errorf("Expected status text fallback, got %q", gerr.Message)
	}
}

func TestAsError(t *testing.T) {
	// Existing classified errors pass through untouched.
	orig := NewError(KindRateLimited, "openai", "slow down")
	if got := AsError("openai", fmt.Errorf("attempt failed: %w", orig)); got != orig {
		t.Errorf("Expected wrapped *Error to pass through, got %v", got)
	}

	if got := AsError("openai", context.DeadlineExceeded); got.Kind != KindTimeout {
		t.Errorf("Expected deadline to map to timeout, got %s", got.Kind)
	}
	if got := AsError("openai", context.Canceled); got.Kind != KindCallerError {
		t.Errorf("Expected cancellation to map to caller_error, got %s", got.Kind)
	}
	if got := AsError("openai", errors.New("connection refused")); got.Kind != KindProviderUnavailable {
		t.Errorf("Expected transport failure to map to provider_unavailable, got %s", got.Kind)
	}
}

func TestExhausted(t *testing.T) {
	gerr := Exhausted([]Attempt{
		{Provider: "openai", Kind: KindRateLimited, Reason: "rate_limited"},
		{Provider: "claude", Kind: KindProviderUnavailable, Reason: "provider_unavailable"},
	})
	if gerr.Kind != KindAllProvidersExhausted {
		t.Fatalf("Expected all_providers_exhausted, got %s", gerr.Kind)
	}
	if len(gerr.Attempts) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(gerr.Attempts))
	}
	if !strings.Contains(gerr.Message, "openai: rate_limited") {
		t.Errorf("Expected attempt summary in message, got %q", gerr.Message)
	}
}
