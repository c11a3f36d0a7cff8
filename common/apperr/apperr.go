package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code surfaced to clients.
type Code string

const (
	CodeValidation          Code = "validation"
	CodeVersionConflict     Code = "version_conflict"
	CodeBusy                Code = "busy"
	CodeNotFound            Code = "not_found"
	CodePendingKindMismatch Code = "pending_kind_mismatch"
	CodeDraftChanged        Code = "draft_changed"
	CodeUpstream            Code = "upstream_error"
	CodeInternal            Code = "internal"
)

// Error is a typed error carrying a stable code plus structured detail so
// callers can decide a remediation without parsing messages.
type Error struct {
	Code    Code
	Message string
	Detail  map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a typed error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetail adds a structured detail field and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// Validation creates a client-fault validation error.
func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

// VersionConflict creates an optimistic-lock failure carrying both version
// numbers so clients can refresh and retry automatically.
func VersionConflict(expected, actual int64) *Error {
	e := New(CodeVersionConflict, "draft changed: expected version %d, head is %d", expected, actual)
	return e.WithDetail("expected_version", expected).WithDetail("head_version", actual)
}

// Busy signals that an active run blocks the requested operation.
func Busy(draftID string) *Error {
	return New(CodeBusy, "draft %s has an active run", draftID).WithDetail("draft_id", draftID)
}

// NotFound creates a not-found error for the named resource.
func NotFound(resource, id string) *Error {
	return New(CodeNotFound, "%s %s not found", resource, id).WithDetail("resource", resource)
}

// CodeOf extracts the code from an error chain, defaulting to internal.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether the error chain carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// AsError extracts the typed error, wrapping unknown errors as internal.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(CodeInternal, err, "unexpected error")
}
