package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout indicates no data arrived within the configured window
	ErrTimeout = errors.New("request timed out")
	// ErrCancelled indicates the caller cancelled an in-flight request
	ErrCancelled = errors.New("request cancelled")
)

// APIError is a non-2xx response from the chat backend
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Retryable reports whether the failure class is transient
func (e *APIError) Retryable() bool {
	if e.Status >= 500 {
		return true
	}
	return e.Status == 429 || e.Status == 408
}

// Auth reports whether the failure is an authentication failure
func (e *APIError) Auth() bool {
	return e.Status == 401 || e.Status == 403
}

// StreamError is a mid-stream failure reported by the server
// through an "event: error" frame
type StreamError struct {
	Message string
	// Fatal marks errors the server declared non-retryable
	Fatal bool
}

// Error implements the error interface
func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error: %s", e.Message)
}

// ConfigError collects every validation problem found in a configuration.
// It is fatal to initialization; there is no retry path.
type ConfigError struct {
	Problems []string
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// IsRetryable classifies an error per the retry policy: network failures,
// 5xx, 429, 408 and timeouts are retryable; auth failures, other 4xx and
// cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCancelled(err) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return !streamErr.Fatal
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return false
	}
	// Anything else is a transport-level network failure
	return true
}

// IsAuthError reports whether the error is a 401/403 response
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Auth()
}

// IsCancelled reports whether the error is a cancellation outcome
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
