// Package apperr defines the structured error kinds from spec §7, each
// carrying a stable kind, a user-facing message, developer detail, and a
// retryability flag the workflow engine's retry policies key off of.
package apperr

import "fmt"

// Kind identifies one of spec §7's error kinds.
type Kind string

const (
	KindTransientNetwork        Kind = "transient_network"
	KindRateLimited              Kind = "rate_limited"
	KindPolicyBlocked            Kind = "policy_blocked"
	KindValidationFailed         Kind = "validation_failed"
	KindQuotaExceeded            Kind = "quota_exceeded"
	KindDecompositionFailed      Kind = "decomposition_failed"
	KindPathCollision            Kind = "path_collision"
	KindCapsulePersistenceFailed Kind = "capsule_persistence_failed"
	KindCancelled                Kind = "cancelled"
	KindInvalidInput             Kind = "invalid_input"
	KindInternal                 Kind = "internal"
)

// retryable reports the default recovery policy per spec §7's table.
// Individual call sites may still choose not to retry (e.g. attempts
// exhausted) even when a kind is nominally retryable.
var retryable = map[Kind]bool{
	KindTransientNetwork:        true,
	KindRateLimited:              true,
	KindPolicyBlocked:            false,
	KindValidationFailed:         true, // one task-level retry only
	KindQuotaExceeded:            false,
	KindDecompositionFailed:      true, // one retry only
	KindPathCollision:            false,
	KindCapsulePersistenceFailed: true,
	KindCancelled:                false,
	KindInvalidInput:             false,
	KindInternal:                 false,
}

// AppError is the structured error object surfaced to users and queries.
type AppError struct {
	Kind      Kind
	Message   string
	Retryable bool
	Details   map[string]any
	Cause     error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// New creates an AppError of the given kind with the kind's default
// retry policy.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Retryable: retryable[kind], Details: map[string]any{}}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...any) *AppError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(cause error, kind Kind, message string) *AppError {
	e := New(kind, message)
	e.Cause = cause
	return e
}

// Wrapf is Wrap with fmt.Sprintf-style formatting.
func Wrapf(cause error, kind Kind, format string, args ...any) *AppError {
	return Wrap(cause, kind, fmt.Sprintf(format, args...))
}

// WithDetails attaches a structured detail key/value and returns e for chaining.
func (e *AppError) WithDetails(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// IsKind reports whether err is an *AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *AppError
	if ok := asAppError(err, &ae); ok {
		return ae.Kind == kind
	}
	return false
}

func asAppError(err error, target **AppError) bool {
	for err != nil {
		if ae, ok := err.(*AppError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// QuotaExceeded builds the structured error spec §6/§7 requires, including
// current usage, limit, and reset time in Details.
func QuotaExceeded(resource string, current, limit float64, resetTime string) *AppError {
	return New(KindQuotaExceeded, fmt.Sprintf("quota exceeded for %s", resource)).
		WithDetails("resource", resource).
		WithDetails("current", current).
		WithDetails("limit", limit).
		WithDetails("reset_time", resetTime)
}

// PolicyBlocked builds the terminal HAP-gating error.
func PolicyBlocked(context string, severity string, categories []string) *AppError {
	return New(KindPolicyBlocked, fmt.Sprintf("content blocked by moderation policy (%s)", context)).
		WithDetails("context", context).
		WithDetails("severity", severity).
		WithDetails("categories", categories)
}
