// Package apperr defines the service-wide error shape: a stable code, an
// HTTP status, a retryability flag, and optional details. Handlers translate
// these into the response envelope; everything else stays an opaque internal
// error and surfaces as a generic 500.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Stable error codes shared across endpoints.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidOriginFormat = "invalid_origin_format"
	CodeBlockedOrigin       = "blocked_origin"
	CodeProjectNotFound     = "project_not_found"
	CodeSourceNotFound      = "source_not_found"
	CodeInvalidEmbedToken   = "invalid_embed_token"
	CodeExpiredEmbedToken   = "expired_embed_token"
	CodeRateLimited         = "rate_limited"
	CodeQuotaExceeded       = "quota_exceeded"
	CodeResyncInProgress    = "resync_in_progress"
	CodeUnauthorized        = "unauthorized"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeInternal            = "internal_error"
)

// Error is a user-visible service error.
type Error struct {
	Code       string
	Message    string
	Status     int
	Retryable  bool
	RetryAfter time.Duration
	Details    map[string]any
	wrapped    error
}

// New creates an Error.
func New(status int, code, message string) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

// WithRetryable marks the error retryable.
func (e *Error) WithRetryable() *Error {
	e.Retryable = true
	return e
}

// WithRetryAfter marks the error retryable with a client backoff hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.Retryable = true
	e.RetryAfter = d
	return e
}

// WithDetails attaches structured details for the envelope.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Wrap records the underlying cause without exposing it to clients.
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// From extracts an *Error from err, or wraps it as an opaque internal error.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(http.StatusInternalServerError, CodeInternal, "internal error").Wrap(err)
}
