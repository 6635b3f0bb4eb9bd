// Package errors defines the unified error taxonomy for gateway operations.
// Failures are classified exactly once, at the dispatcher boundary, into a
// closed ErrorKind set; everything downstream branches on the kind, never on
// message text.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorKind is the closed classification set for dispatch failures.
type ErrorKind string

const (
	KindClientAborted ErrorKind = "client_aborted"
	KindTimeout       ErrorKind = "timeout"
	KindSSL           ErrorKind = "ssl"
	KindNetwork       ErrorKind = "network"
	KindUpstream5xx   ErrorKind = "upstream_5xx"
	KindRateLimit     ErrorKind = "rate_limit"
	KindAuth          ErrorKind = "auth"
	KindBadRequest    ErrorKind = "bad_request"
	KindOther4xx      ErrorKind = "other_4xx"
	KindStreamParse   ErrorKind = "stream_parse"
	KindInternal      ErrorKind = "internal"
)

// Retryable reports whether a failure of this kind may be retried on an
// alternate provider.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetwork, KindSSL, KindUpstream5xx, KindRateLimit:
		return true
	default:
		return false
	}
}

// BreakerFailure reports whether a failure of this kind counts against the
// provider's circuit breaker. Client-side 4xx (other than 429) do not.
func (k ErrorKind) BreakerFailure() bool {
	switch k {
	case KindTimeout, KindNetwork, KindSSL, KindUpstream5xx, KindRateLimit:
		return true
	default:
		return false
	}
}

// ProxyError is the standardized dispatch failure. It carries the kind, the
// upstream status (when one was received), and the provider attempted.
type ProxyError struct {
	Kind       ErrorKind `json:"kind"`
	StatusCode int       `json:"status_code,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Message    string    `json:"message"`
	// Body holds the upstream error body for non-retryable passthrough.
	Body []byte `json:"-"`
	// Header holds upstream headers for non-retryable passthrough.
	Header http.Header `json:"-"`
	cause  error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] %s (provider=%s, status=%d)", e.Kind, e.Message, e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s (provider=%s)", e.Kind, e.Message, e.Provider)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *ProxyError) Unwrap() error { return e.cause }

// Retryable reports whether the failure may be retried on another provider.
func (e *ProxyError) Retryable() bool { return e.Kind.Retryable() }

// New creates a ProxyError with a kind and message.
func New(kind ErrorKind, provider, message string) *ProxyError {
	return &ProxyError{Kind: kind, Provider: provider, Message: message}
}

// Wrap creates a ProxyError preserving the cause.
func Wrap(kind ErrorKind, provider string, cause error) *ProxyError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &ProxyError{Kind: kind, Provider: provider, Message: msg, cause: cause}
}

// FromStatus classifies an upstream HTTP status into an ErrorKind.
func FromStatus(status int) ErrorKind {
	switch {
	case status >= 500:
		return KindUpstream5xx
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusBadRequest:
		return KindBadRequest
	case status >= 400:
		return KindOther4xx
	default:
		return KindInternal
	}
}

// RateLimitError is raised by the limiter guard before dispatch. LimitType
// names the violated window and maps directly to the client-facing
// error.type.
type RateLimitError struct {
	LimitType    string  `json:"limit_type"`
	Subject      string  `json:"subject"`
	CurrentUsage float64 `json:"current_usage"`
	LimitValue   float64 `json:"limit_value"`
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s for %s (current=%.4f, limit=%.4f)",
		e.LimitType, e.Subject, e.CurrentUsage, e.LimitValue)
}

// ErrNoAvailableProvider is returned when the selection funnel empties.
type NoProviderError struct {
	// Stage names the funnel step that emptied the candidate set.
	Stage string `json:"stage"`
}

// Error implements the error interface.
func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no available provider (emptied at %s)", e.Stage)
}
