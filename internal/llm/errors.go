package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a failed completion request.
type Kind string

const (
	KindInvalidRequest Kind = "invalid_request"
	KindAuthentication Kind = "authentication"
	KindAccessDenied   Kind = "access_denied"
	KindNotFound       Kind = "not_found"
	KindRequestTimeout Kind = "request_timeout"
	KindContextLength  Kind = "context_length"
	KindContentFilter  Kind = "content_filter"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindRateLimit      Kind = "rate_limit"
	KindServer         Kind = "server"
	KindTransport      Kind = "transport"
	KindMalformed      Kind = "malformed_response"
	KindUnknown        Kind = "unknown"
)

// Error is returned for every failed request. It classifies itself for the
// capability retry loop through Retryable and RetryAfter.
type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Message    string

	retryable  bool
	retryAfter *time.Duration
	err        error
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s error (status=%d): %s", e.Provider, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s error: %s", e.Provider, e.Kind, msg)
}

func (e *Error) Unwrap() error              { return e.err }
func (e *Error) Retryable() bool            { return e.retryable }
func (e *Error) RetryAfter() *time.Duration { return e.retryAfter }

// ErrorFromHTTPStatus maps a non-2xx response onto the error taxonomy.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) *Error {
	e := &Error{
		Provider:   strings.TrimSpace(provider),
		StatusCode: statusCode,
		Message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 422:
		e.Kind = classifyByMessage(message)
	case 401:
		e.Kind = KindAuthentication
	case 403:
		e.Kind = KindAccessDenied
	case 404:
		e.Kind = KindNotFound
	case 408:
		e.Kind, e.retryable = KindRequestTimeout, true
	case 413:
		e.Kind = KindContextLength
	case 429:
		e.Kind, e.retryable = KindRateLimit, true
	case 500, 502, 503, 504:
		e.Kind, e.retryable = KindServer, true
	default:
		// Unrecognised statuses are assumed transient.
		e.Kind, e.retryable = KindUnknown, true
	}
	return e
}

// classifyByMessage refines 400/422 responses, which providers use for
// several distinct failures.
func classifyByMessage(message string) Kind {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return KindContentFilter
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return KindContextLength
	case strings.Contains(lower, "quota") || strings.Contains(lower, "billing"):
		return KindQuotaExceeded
	case strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist"):
		return KindNotFound
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid key"):
		return KindAuthentication
	}
	return KindInvalidRequest
}

// wrapTransportError classifies a failure that happened before a response
// arrived. Context errors pass through unchanged so callers can tell
// cancellation and per-call deadlines apart.
func wrapTransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Provider: provider, Kind: KindTransport, Message: err.Error(), retryable: true, err: err}
}

// ParseRetryAfter parses the Retry-After header value.
// Supported forms:
// - integer seconds
// - HTTP-date (RFC 7231)
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := max(t.Sub(now), 0)
		return &d
	}
	return nil
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
