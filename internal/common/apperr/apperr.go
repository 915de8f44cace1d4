// Package apperr implements the error-kind taxonomy shared by every
// component of the orchestrator: Validation, NotFound, Conflict,
// Forbidden, RuntimeFailure, StreamError, and Internal. Every
// externally visible error carries a human-readable one-line message,
// never a stack trace or internal identifier.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation-policy decisions by callers
// (HTTP status mapping, retry behavior) without string matching.
type Kind string

const (
	Validation     Kind = "validation"
	NotFound       Kind = "not_found"
	Conflict       Kind = "conflict"
	Forbidden      Kind = "forbidden"
	RuntimeFailureK Kind = "runtime_failure"
	StreamErrorK   Kind = "stream_error"
	Internal       Kind = "internal"
)

// Error is the concrete error type every component returns for
// caller-visible failures.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	// Reason further classifies certain Conflict errors (e.g. invite
	// "not_found" | "exhausted" | "expired").
	Reason string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func Validationf(format string, args ...any) *Error {
	return new_(Validation, fmt.Sprintf(format, args...), nil)
}

func NotFoundf(format string, args ...any) *Error {
	return new_(NotFound, fmt.Sprintf(format, args...), nil)
}

func Conflictf(format string, args ...any) *Error {
	return new_(Conflict, fmt.Sprintf(format, args...), nil)
}

// ConflictReason builds a Conflict error carrying a machine-readable
// sub-reason, used by the invite-code consume contract to distinguish
// NotFound/Exhausted/Expired without re-parsing the message.
func ConflictReason(reason, format string, args ...any) *Error {
	e := new_(Conflict, fmt.Sprintf(format, args...), nil)
	e.Reason = reason
	return e
}

func Forbiddenf(format string, args ...any) *Error {
	return new_(Forbidden, fmt.Sprintf(format, args...), nil)
}

func RuntimeFailure(cause error, format string, args ...any) *Error {
	return new_(RuntimeFailureK, fmt.Sprintf(format, args...), cause)
}

func StreamError(cause error, format string, args ...any) *Error {
	return new_(StreamErrorK, fmt.Sprintf(format, args...), cause)
}

func Internalf(format string, args ...any) *Error {
	return new_(Internal, fmt.Sprintf(format, args...), nil)
}

// KindOf extracts the Kind from err, returning Internal for any error
// that isn't one of ours (impossible-invariant breach, by definition).
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}

// Is reports whether err (or anything it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
