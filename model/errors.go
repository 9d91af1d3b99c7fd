// Package model defines the shared data model of the semhooks engine:
// receipts, step results, evaluation reports, and the typed error taxonomy.
package model

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an engine error for receipts and retry decisions.
type Kind string

const (
	KindLoad            Kind = "LOAD_ERROR"
	KindPredicate       Kind = "PREDICATE_ERROR"
	KindStep            Kind = "STEP_ERROR"
	KindTimeout         Kind = "TIMEOUT"
	KindCancelled       Kind = "CANCELLED"
	KindLockUnavailable Kind = "LOCK_UNAVAILABLE"
	KindQueueFull       Kind = "QUEUE_FULL"
	KindIO              Kind = "IO_ERROR"
	KindInternal        Kind = "INTERNAL"
)

// Step error codes carried on KindStep errors.
const (
	CodeHTTPStatus     = "HTTP_STATUS"
	CodeCLIExit        = "CLI_EXIT"
	CodeFileIO         = "FILE_IO"
	CodePathEscape     = "PATH_ESCAPE"
	CodeTemplateRender = "TEMPLATE_RENDER"
)

// Error is a typed engine error. Op names the failing operation in
// "verb noun" form; Code refines KindStep errors; HTTPStatus is set for
// CodeHTTPStatus errors so retry policy can distinguish 5xx from 4xx.
type Error struct {
	Kind       Kind
	Op         string
	Code       string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Code != "":
		return fmt.Sprintf("%s [%s/%s]: %v", e.Op, e.Kind, e.Code, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s [%s/%s]", e.Op, e.Kind, e.Code)
	default:
		return fmt.Sprintf("%s [%s]", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef creates a typed error from a format string.
func Ef(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// StepE creates a KindStep error with a step error code.
func StepE(code, op string, err error) *Error {
	return &Error{Kind: KindStep, Op: op, Code: code, Err: err}
}

// KindOf classifies an arbitrary error. Typed errors report their own kind;
// context errors map to TIMEOUT and CANCELLED; anything else reports fallback.
func KindOf(err error, fallback Kind) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return fallback
}

// CodeOf returns the step error code of err, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Transient reports whether err belongs to a failure class worth retrying:
// timeouts, lock contention, and HTTP 5xx responses. Validation and sandbox
// errors are permanent.
func Transient(err error) bool {
	switch KindOf(err, KindIO) {
	case KindTimeout, KindLockUnavailable:
		return true
	}
	var e *Error
	if errors.As(err, &e) && e.Code == CodeHTTPStatus {
		return e.HTTPStatus >= 500
	}
	return false
}
