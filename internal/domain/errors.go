package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for propagation and API mapping.
type Kind string

const (
	KindValidation Kind = "VALIDATION" // Input contract violated
	KindNotFound   Kind = "NOT_FOUND"  // Referenced key absent
	KindConflict   Kind = "CONFLICT"   // Optimistic version mismatch
	KindTimeout    Kind = "TIMEOUT"    // Deadline exceeded
	KindDependency Kind = "DEPENDENCY" // Rule/repo unavailable, retryable
	KindFatal      Kind = "FATAL"      // Invariant broken, requires operator
)

// Error carries an operation name, a failure kind, and an optional cause.
// Engine operations return these instead of using errors for control flow;
// only KindFatal is treated as unrecoverable.
type Error struct {
	Op   string
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a domain error.
func E(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// Wrap builds a domain error around a cause.
func Wrap(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the failure kind from an error chain.
// Unclassified errors are treated as DEPENDENCY (retryable).
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindDependency
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a failure kind to the REST status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
