// Package errs defines the semantic error taxonomy strategies and the API
// layer distinguish between: validation failures surfaced synchronously,
// engine-unavailable/timeout conditions, venue rejections recorded but not
// fatal, and desync conditions reconciled against the risk book.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of HTTP status mapping and
// strategy-level recovery policy.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindUnavailable    Kind = "engine_unavailable"
	KindTimeout        Kind = "engine_timeout"
	KindVenueRejected  Kind = "venue_rejected"
	KindDesync         Kind = "desync"
	KindLimitExceeded  Kind = "limit_exceeded"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
)

// Error is a semantically-kinded error, wrapping an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Validation wraps an input-validation failure (bad side, out-of-range
// numeric, below min notional). Surfaced synchronously to the caller.
func Validation(msg string) error { return new_(KindValidation, msg, nil) }

// Validationf is Validation with formatting.
func Validationf(format string, args ...interface{}) error {
	return new_(KindValidation, fmt.Sprintf(format, args...), nil)
}

// Unavailable reports the execution channel is not ready; no mutation was
// performed.
func Unavailable(msg string) error { return new_(KindUnavailable, msg, nil) }

// Timeout wraps an execution-channel await that exceeded its deadline. The
// caller may retry with the same idempotency key.
func Timeout(cause error) error { return new_(KindTimeout, "engine timeout", cause) }

// VenueRejected wraps a venue-side rejection (margin, precision, min-qty).
// Recorded in the strategy's errors[]; does not kill the strategy.
func VenueRejected(cause error) error { return new_(KindVenueRejected, "venue rejected", cause) }

// Desync reports the virtual and exchange views of a position disagree.
func Desync(msg string) error { return new_(KindDesync, msg, nil) }

// LimitExceeded reports a per-kind concurrency cap was exceeded.
func LimitExceeded(kind string, max int) error {
	return new_(KindLimitExceeded, fmt.Sprintf("%s limit of %d active strategies exceeded", kind, max), nil)
}

// NotFound reports an unknown strategy ID.
func NotFound(id string) error { return new_(KindNotFound, fmt.Sprintf("strategy %q not found", id), nil) }

// Conflict reports a request that would violate a uniqueness invariant
// (e.g. a duplicate trail stop on the same position).
func Conflict(msg string) error { return new_(KindConflict, msg, nil) }

// Conflictf is Conflict with formatting.
func Conflictf(format string, args ...interface{}) error {
	return new_(KindConflict, fmt.Sprintf(format, args...), nil)
}

// KindOf extracts the Kind from err, defaulting to "" if err is not (or
// does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
