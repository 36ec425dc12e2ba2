package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies every failure that crosses an I/O boundary. The set
// is closed: anything unclassified is treated as Transient so it is retried
// rather than silently dropped.
type ErrorKind string

const (
	KindTransient   ErrorKind = "transient"    // facade 5xx, connection reset, store throttling
	KindRateLimited ErrorKind = "rate_limited" // facade 429; retried after Retry-After, free of charge
	KindNotFound    ErrorKind = "not_found"    // facade 404 on an existing rule id
	KindConflict    ErrorKind = "conflict"     // facade 409, duplicate rule
	KindMalformed   ErrorKind = "malformed"    // unparseable event, missing mandatory field
	KindFatal       ErrorKind = "fatal"        // auth failure, missing table; halts the pipeline
)

// Error tags an underlying error with its kind. RetryAfter is only set for
// KindRateLimited.
type Error struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) *Error { return &Error{Kind: KindTransient, Err: err} }

// RateLimited wraps err with the server-suggested retry delay.
func RateLimited(err error, after time.Duration) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: after, Err: err}
}

// NotFound wraps err as a missing remote resource.
func NotFound(err error) *Error { return &Error{Kind: KindNotFound, Err: err} }

// Conflict wraps err as a duplicate-resource condition.
func Conflict(err error) *Error { return &Error{Kind: KindConflict, Err: err} }

// Malformed wraps err as a structural defect in the input itself.
func Malformed(err error) *Error { return &Error{Kind: KindMalformed, Err: err} }

// Fatal wraps err as unrecoverable.
func Fatal(err error) *Error { return &Error{Kind: KindFatal, Err: err} }

// KindOf extracts the kind of err. Untagged non-nil errors default to
// KindTransient; nil yields the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsRetryable reports whether err should re-enter the dispatch queue.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}

// RetryAfterOf returns the Retry-After hint carried by a rate-limited
// error, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
