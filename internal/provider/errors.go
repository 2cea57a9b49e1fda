package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind classifies a gateway failure. Retryable kinds are retried on the
// same provider before failing over; fatal kinds skip to the next
// candidate; terminal kinds abort the whole fallback chain.
type Kind int

const (
	KindUnknown Kind = iota
	KindModelNotFound
	KindCallerError
	KindRateLimited
	KindTimeout
	KindProviderUnavailable
	KindAllProvidersExhausted
	KindMidStreamFailure
)

func (k Kind) String() string {
	switch k {
	case KindModelNotFound:
		return "model_not_found"
	case KindCallerError:
		return "caller_error"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindAllProvidersExhausted:
		return "all_providers_exhausted"
	case KindMidStreamFailure:
		return "mid_stream_failure"
	default:
		return "unknown"
	}
}

// Retryable reports whether the same provider should be retried with
// backoff before moving on.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTimeout
}

// Terminal reports whether the failure is a caller-scoped condition that no
// other provider can fix.
func (k Kind) Terminal() bool {
	return k == KindModelNotFound || k == KindCallerError || k == KindAllProvidersExhausted
}

// Attempt records one failed provider attempt for the redacted summary
// carried by an AllProvidersExhausted error.
type Attempt struct {
	Provider string `json:"provider"`
	Kind     Kind   `json:"-"`
	Reason   string `json:"reason"`
}

// Error is the only failure shape that crosses the provider boundary.
// Vendor error bodies never appear here verbatim; Message carries at most
// the extracted human-readable vendor message.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Attempts []Attempt // populated for KindAllProvidersExhausted
	cause    error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func NewError(kind Kind, providerName, message string) *Error {
	return &Error{Kind: kind, Provider: providerName, Message: message}
}

// Exhausted builds the terminal error returned after every candidate
// failed. The attempt list is already redacted: provider name and failure
// kind only.
func Exhausted(attempts []Attempt) *Error {
	parts := make([]string, len(attempts))
	for i, a := range attempts {
		parts[i] = fmt.Sprintf("%s: %s", a.Provider, a.Reason)
	}
	return &Error{
		Kind:     KindAllProvidersExhausted,
		Message:  "all providers failed: " + strings.Join(parts, ", "),
		Attempts: attempts,
	}
}

// AsError converts any error into an *Error, classifying transport-level
// failures that adapters could not attribute themselves.
func AsError(providerName string, err error) *Error {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}
	kind := KindProviderUnavailable
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		// The caller went away; no provider can fix that.
		kind = KindCallerError
	}
	return &Error{Kind: kind, Provider: providerName, Message: err.Error(), cause: err}
}

// ClassifyStatus maps a vendor HTTP error response onto the taxonomy. Only
// the extracted error message leaves this function; the raw body does not.
func ClassifyStatus(providerName string, status int, body []byte) *Error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}
	if msg == "" {
		if s := gjson.GetBytes(body, "error").String(); s != "" && !strings.HasPrefix(s, "{") {
			msg = s
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	var kind Kind
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusUnprocessableEntity:
		// Malformed input or a policy rejection attributable to it.
		kind = KindCallerError
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindProviderUnavailable
	default:
		kind = KindProviderUnavailable
	}

	return &Error{Kind: kind, Provider: providerName, Message: fmt.Sprintf("vendor status %d: %s", status, msg)}
}
