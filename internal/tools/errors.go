package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies a tool failure for the retry and escalation policy.
type ErrorKind string

const (
	// KindUnauthorized means the backend rejected our credentials. Never retried.
	KindUnauthorized ErrorKind = "unauthorized"

	// KindUnavailable means the backend is down, timing out, or returning 5xx.
	// Retried with backoff up to the attempt cap.
	KindUnavailable ErrorKind = "unavailable"

	// KindInvalidParameters means the request itself was malformed. Never retried.
	KindInvalidParameters ErrorKind = "invalid-parameters"

	// KindRateLimited means the backend asked us to slow down. Retried with backoff.
	KindRateLimited ErrorKind = "rate-limited"
)

// ToolError is a classified failure from an external backend.
type ToolError struct {
	Kind ErrorKind
	Tool string
	Err  error

	// RetryAfter is the wait the backend asked for via a Retry-After
	// header, or zero when none was given. The gateway honors it over
	// its own backoff interval.
	RetryAfter time.Duration
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Retryable reports whether the gateway may retry this failure.
func (e *ToolError) Retryable() bool {
	return e.Kind == KindUnavailable || e.Kind == KindRateLimited
}

// NewToolError wraps err as a classified tool failure.
func NewToolError(kind ErrorKind, tool string, err error) *ToolError {
	return &ToolError{Kind: kind, Tool: tool, Err: err}
}

// AsToolError extracts a *ToolError from an error chain.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// classifyStatus maps a non-2xx HTTP response from a backend to a ToolError.
// Returns nil for 2xx.
func classifyStatus(tool string, status int, header http.Header, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	err := fmt.Errorf("backend returned %d: %s", status, string(body))

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewToolError(KindUnauthorized, tool, err)
	case status == http.StatusTooManyRequests:
		te := NewToolError(KindRateLimited, tool, err)
		te.RetryAfter = parseRetryAfter(header)
		return te
	case status == http.StatusRequestTimeout || status >= 500:
		te := NewToolError(KindUnavailable, tool, err)
		te.RetryAfter = parseRetryAfter(header)
		return te
	default:
		// 400, 404, 422 and the rest of 4xx: the request was wrong.
		return NewToolError(KindInvalidParameters, tool, err)
	}
}

// parseRetryAfter reads a Retry-After header in either form, delay seconds or
// an HTTP date. Absent, malformed, or past values yield zero.
func parseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// classifyTransport maps a transport-level failure (dial, TLS, timeout) to a
// ToolError. Context cancellation passes through unclassified so the session
// deadline is not mistaken for a backend outage.
func classifyTransport(tool string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewToolError(KindUnavailable, tool, err)
}
