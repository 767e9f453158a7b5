package ai

import (
	"errors"
	"fmt"
)

// ErrNoProviders is returned when "auto" has nothing configured to resolve to
var ErrNoProviders = errors.New("no AI providers configured")

// ErrorKind classifies provider failures
type ErrorKind string

const (
	KindCredential      ErrorKind = "credential"
	KindUpstreamStatus  ErrorKind = "upstream_status"
	KindTimeout         ErrorKind = "timeout"
	KindInvalidResponse ErrorKind = "invalid_response"
	KindTransport       ErrorKind = "transport"
	KindRateLimited     ErrorKind = "rate_limited"
)

// ProviderError is the typed failure returned by the gateway and clients
type ProviderError struct {
	Provider   Provider
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Kind == KindCredential && e.Message != "" {
		return e.Message
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether a different provider might succeed
func (e *ProviderError) Retryable() bool {
	return e.Kind != KindCredential
}

// NoCredential is the configuration error for a provider without a key
func NoCredential(p Provider) *ProviderError {
	return &ProviderError{
		Provider: p,
		Kind:     KindCredential,
		Message:  fmt.Sprintf("No API key configured for %s", p),
	}
}

// IsConfigError reports whether err means the gateway cannot serve the
// request at all because of missing configuration
func IsConfigError(err error) bool {
	if errors.Is(err, ErrNoProviders) {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindCredential
}

// KindOf returns the ErrorKind carried by err, or "" if it is not a ProviderError
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
