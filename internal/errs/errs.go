// Package errs provides the centralized error taxonomy for the lifecycle engine.
// Every component wraps failures in one of these kinds so callers can branch on
// classification (retryable vs terminal) without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/alerting decisions.
type Kind string

const (
	KindValidation  Kind = "validation"   // malformed input, never retryable
	KindNotFound    Kind = "not_found"    // missing entity
	KindConflict    Kind = "conflict"     // CAS/version mismatch, retry with fresh read
	KindUnavailable Kind = "unavailable"  // transient dependency failure, retryable
	KindRateLimited Kind = "rate_limited" // provider budget exhausted, retry after backoff
	KindInternal    Kind = "internal"     // invariant violation, should page
)

// Error is the concrete typed error every package returns.
type Error struct {
	Kind    Kind
	Op      string // component.method that raised it
	Err     error  // wrapped cause, may be nil
	Retryable bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed error.
func New(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Retryable: kind == KindUnavailable || kind == KindRateLimited,
	}
}

// Is reports whether the first *Error in err's chain has the given Kind,
// e.g. errs.Is(err, errs.KindNotFound).
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether the caller should back off and retry.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

func Validation(op string, err error) *Error  { return New(KindValidation, op, err) }
func NotFound(op string, err error) *Error    { return New(KindNotFound, op, err) }
func Conflict(op string, err error) *Error    { return New(KindConflict, op, err) }
func Unavailable(op string, err error) *Error { return New(KindUnavailable, op, err) }
func RateLimited(op string, err error) *Error { return New(KindRateLimited, op, err) }
func Internal(op string, err error) *Error    { return New(KindInternal, op, err) }
