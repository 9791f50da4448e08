// Package fault defines the error taxonomy shared by the execution core.
// Every error that crosses a component boundary is classified into a Kind
// so the activity executor, the admission API, and the HTTP layer agree
// on retryability and status mapping.
package fault

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindUnauthorized      Kind = "unauthorized"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindCircuitOpen       Kind = "circuit_open"
	KindTransientExternal Kind = "transient_external"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

// Error is the taxonomy-aware error type. Code is a short stable token
// suitable for clients; Message is human prose and must already be
// masked before it reaches an Error (see internal/redact).
type Error struct {
	Kind    Kind
	Code    string
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is lets errors.Is match two fault errors by Kind.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind
	}
	return false
}

// New creates a fault error of the given kind.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error without losing its chain.
func Wrap(kind Kind, code string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Message: err.Error(), wrapped: err}
}

func Validation(code, format string, args ...any) *Error {
	return New(KindValidation, code, format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return New(KindNotFound, code, format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return New(KindConflict, code, format, args...)
}

func Internal(code, format string, args ...any) *Error {
	return New(KindInternal, code, format, args...)
}

func Cancelled(code, format string, args ...any) *Error {
	return New(KindCancelled, code, format, args...)
}

func Timeout(code, format string, args ...any) *Error {
	return New(KindTimeout, code, format, args...)
}

func Transient(code, format string, args ...any) *Error {
	return New(KindTransientExternal, code, format, args...)
}

// QuotaError carries the limit details the admission API surfaces,
// including an optional retry-after hint.
type QuotaError struct {
	Err        Error
	LimitName  string
	Current    int64
	Max        int64
	RetryAfter time.Duration
}

func (q *QuotaError) Error() string { return q.Err.Error() }

func (q *QuotaError) Unwrap() error { return &q.Err }

// Quota creates a QuotaExceeded error with limit details.
func Quota(limitName string, current, max int64, retryAfter time.Duration) *QuotaError {
	return &QuotaError{
		Err: Error{
			Kind:    KindQuotaExceeded,
			Code:    "quota_exceeded",
			Message: fmt.Sprintf("%s limit reached (%d/%d)", limitName, current, max),
		},
		LimitName:  limitName,
		Current:    current,
		Max:        max,
		RetryAfter: retryAfter,
	}
}

// KindOf extracts the Kind from any error. Unclassified errors are
// Internal; context cancellation and deadline expiry map to their
// taxonomy kinds.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var qe *QuotaError
	if errors.As(err, &qe) {
		return KindQuotaExceeded
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsRetryable reports whether an error may be retried by the activity
// executor. Only transient-external and timeout kinds are retryable by
// default; a retry policy may narrow this further.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientExternal, KindTimeout:
		return true
	default:
		return false
	}
}

// Code extracts the stable code token from a fault error, or "internal".
func Code(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Code != "" {
		return fe.Code
	}
	return "internal"
}
