// Package errors implements the error taxonomy of spec.md §7:
// ValidationFailure, Conflict, Transient, Fatal and Security. Each
// kind wraps an underlying error so callers can still use errors.Is
// and errors.As on the original cause, while also asking "what kind
// of failure is this" without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies which branch of the taxonomy an error belongs to.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindFatal      Kind = "fatal"
	KindSecurity   Kind = "security"
	KindUnknown    Kind = "unknown"
)

// Classified is an error tagged with a Kind.
type Classified struct {
	kind Kind
	msg  string
	err  error
}

func (e *Classified) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Classified) Unwrap() error { return e.err }

// Kind returns the taxonomy bucket for this error.
func (e *Classified) Kind() Kind { return e.kind }

func newClassified(kind Kind, err error, format string, args ...any) *Classified {
	return &Classified{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// Validationf builds a ValidationFailure: fatal to the request, never retried.
func Validationf(format string, args ...any) error {
	return newClassified(KindValidation, nil, format, args...)
}

// Validation wraps err as a ValidationFailure.
func Validation(err error, format string, args ...any) error {
	return newClassified(KindValidation, err, format, args...)
}

// Conflictf builds a Conflict: a state-transition precondition failed.
func Conflictf(format string, args ...any) error {
	return newClassified(KindConflict, nil, format, args...)
}

// Conflict wraps err as a Conflict.
func Conflict(err error, format string, args ...any) error {
	return newClassified(KindConflict, err, format, args...)
}

// Transientf builds a Transient error: retried with backoff.
func Transientf(format string, args ...any) error {
	return newClassified(KindTransient, nil, format, args...)
}

// Transient wraps err as Transient.
func Transient(err error, format string, args ...any) error {
	return newClassified(KindTransient, err, format, args...)
}

// Fatalf builds a Fatal error: bypasses retry, component reports unhealthy.
func Fatalf(format string, args ...any) error {
	return newClassified(KindFatal, nil, format, args...)
}

// Fatal wraps err as Fatal.
func Fatal(err error, format string, args ...any) error {
	return newClassified(KindFatal, err, format, args...)
}

// Securityf builds a Security error: emitted to the security event tap.
func Securityf(format string, args ...any) error {
	return newClassified(KindSecurity, nil, format, args...)
}

// Security wraps err as Security.
func Security(err error, format string, args ...any) error {
	return newClassified(KindSecurity, err, format, args...)
}

// Classify returns the Kind of err, walking Unwrap chains. Unclassified
// errors (including nil) report KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return Classify(err) == kind
}

// Retryable reports whether the error's kind admits a retry per the
// propagation policy in spec.md §7 (only Transient is retried there;
// this helper also covers the "retryable=true" classification used by
// the queue engine's retry policy for worker-reported failures).
func Retryable(err error) bool {
	return Classify(err) == KindTransient
}
