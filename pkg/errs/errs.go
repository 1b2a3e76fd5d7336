// Package errs defines the error taxonomy shared by the query, stream and
// live packages, and its mapping onto HTTP status codes.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidArgument reports a malformed filter combination.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidLimit reports a page limit that is not positive.
	ErrInvalidLimit = fmt.Errorf("%w: limit must be positive", ErrInvalidArgument)

	// ErrMalformedToken reports a continuation token that does not decode
	// or does not fit the current query.
	ErrMalformedToken = errors.New("malformed continuation token")

	// ErrNotFound reports a missing table, source or record.
	ErrNotFound = errors.New("not found")

	// ErrSourceFailure reports a failed scan or listener registration.
	ErrSourceFailure = errors.New("source failure")

	// ErrCancelled reports caller or connection initiated termination.
	// It is a clean release, not a failure.
	ErrCancelled = errors.New("cancelled")
)

// InvalidArgument returns an ErrInvalidArgument with a formatted detail.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// MalformedToken wraps cause as an ErrMalformedToken.
func MalformedToken(cause error) error {
	if cause == nil {
		return ErrMalformedToken
	}
	return fmt.Errorf("%w: %v", ErrMalformedToken, cause)
}

// NotFound returns an ErrNotFound naming what was looked up.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// SourceFailure wraps cause as an ErrSourceFailure. Cancellation causes are
// reported as ErrCancelled instead.
func SourceFailure(cause error) error {
	if IsCancellation(cause) {
		return Cancelled(cause)
	}
	if errors.Is(cause, ErrSourceFailure) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrSourceFailure, cause)
}

// Cancelled wraps cause as an ErrCancelled.
func Cancelled(cause error) error {
	if cause == nil || errors.Is(cause, ErrCancelled) {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// IsCancellation reports whether err stems from context cancellation or an
// explicit ErrCancelled.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// StatusClientClosedRequest is the non-standard status for a request the
// client abandoned before a response was written.
const StatusClientClosedRequest = 499

// HTTPStatus maps err onto an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrMalformedToken):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case IsCancellation(err):
		return StatusClientClosedRequest
	}
	return http.StatusInternalServerError
}
