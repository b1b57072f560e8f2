package router

import (
	"context"
	"fmt"
	"time"
)

// ErrorCode identifies a class of router failure. Every error surfaced to a
// caller carries one of these plus a human remediation string.
type ErrorCode string

const (
	ErrModelNotAllowed       ErrorCode = "MODEL_NOT_ALLOWED"
	ErrALSBlockTooLong       ErrorCode = "ALS_BLOCK_TOO_LONG"
	ErrGroundingRequired     ErrorCode = "GROUNDING_REQUIRED_ERROR"
	ErrGroundingRequiredFail ErrorCode = "GROUNDING_REQUIRED_FAILED"
	ErrGroundingEmptyResults ErrorCode = "GROUNDING_EMPTY_RESULTS"
	ErrCircuitOpen           ErrorCode = "CIRCUIT_OPEN"
	ErrRateLimitedWait       ErrorCode = "RATE_LIMITED_WAIT"
	ErrAuthMissing           ErrorCode = "AUTH_MISSING"
	ErrTimeout               ErrorCode = "TIMEOUT"
	ErrCancelled             ErrorCode = "CANCELLED"
	ErrUpstream              ErrorCode = "UPSTREAM_ERROR"
	ErrInvalidRequest        ErrorCode = "INVALID_REQUEST"
)

// Error is a structured, typed router error. Retryable indicates whether the
// failure is a transient upstream condition that should trip the breaker;
// validation and policy errors are never retryable.
type Error struct {
	Code        ErrorCode     `json:"code"`
	Message     string        `json:"message"`
	Remediation string        `json:"remediation,omitempty"`
	Vendor      string        `json:"vendor,omitempty"`
	Retryable   bool          `json:"retryable"`
	Cause       error         `json:"-"`
	// RetryAfter is set by an adapter when a 429 response carried a
	// Retry-After header. The router uses it to set the pacer's rate-limit
	// window for the vendor:model key; a Retryable error still counts as a
	// transient failure against the breaker as well.
	RetryAfter time.Duration `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError constructs an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) WithRemediation(remediation string) *Error {
	e.Remediation = remediation
	return e
}

func (e *Error) WithVendor(vendor string) *Error {
	e.Vendor = vendor
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// IsRetryable reports whether err, if a *Error, is marked retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the ErrorCode from err, or "" if err is not a *Error.
func CodeOf(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// ClassifyContextError inspects ctx after a failed HTTP round trip and
// returns the router-level error for a deadline or cancellation, or nil if
// ctx carries neither. Adapters call this before falling back to the
// generic upstream-error path, so the router's own context.WithTimeout
// never gets mistaken for a provider outage and trips the breaker.
func ClassifyContextError(ctx context.Context, vendor Vendor) *Error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return NewError(ErrTimeout, "request exceeded the router's configured timeout").
			WithVendor(string(vendor)).
			WithRetryable(false).
			WithRemediation("The provider did not respond in time; this does not reflect provider health and is not retried automatically.")
	case context.Canceled:
		return NewError(ErrCancelled, "request was cancelled by the caller").
			WithVendor(string(vendor)).
			WithRetryable(false)
	default:
		return nil
	}
}
