package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// TransportError reports a failed exchange with a completion backend.
// StatusCode is zero when no HTTP response was received.
type TransportError struct {
	Backend    string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s returned %d: %s", e.Backend, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s returned %d", e.Backend, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("request %s: %v", e.Backend, e.Err)
	default:
		return fmt.Sprintf("request %s failed", e.Backend)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable is true for network failures, rate limiting and server errors.
// Cancellation is never retryable.
func (e *TransportError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
		return false
	}
	if e.StatusCode == 0 {
		return e.Err != nil
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// DecodeError reports a reply that could not be decoded into the requested
// structure. Raw holds the reply as received.
type DecodeError struct {
	Target string
	Raw    string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("decode structured reply: %v", e.Err)
	}
	return fmt.Sprintf("decode %s reply: %v", e.Target, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err wraps a retryable *TransportError.
func IsRetryable(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr) && transportErr.Retryable()
}
