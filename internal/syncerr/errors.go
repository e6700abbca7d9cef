// Package syncerr defines the error kinds shared by importers, exporters,
// the transport client and the task layer.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds returned by sync operations.
//
// Check them with errors.Is():
//
//	if errors.Is(err, syncerr.ErrForbidden) {
//	    // server disabled or user has no tracker account
//	}
var (
	// ErrNotFound is returned when a referenced repo, story, server or user
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when a server is disabled, the acting user
	// has no account on the tracker, or the user lacks privilege.
	ErrForbidden = errors.New("forbidden")

	// ErrBadRequest is returned for malformed task options or payloads.
	ErrBadRequest = errors.New("bad request")

	// ErrUpstream is returned when the external API answers with a non-2xx
	// status or cannot be reached.
	ErrUpstream = errors.New("upstream failure")

	// ErrConflict is returned when a row's generation number changed between
	// read and write.
	ErrConflict = errors.New("generation conflict")

	// ErrTaskFinal is returned when writing progress to a task that has
	// already completed or failed.
	ErrTaskFinal = errors.New("task already finalized")
)

// NotFound wraps ErrNotFound with a formatted message.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Forbidden wraps ErrForbidden with a formatted message.
func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// BadRequest wraps ErrBadRequest with a formatted message.
func BadRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// Upstream wraps ErrUpstream with a formatted message.
func Upstream(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUpstream, fmt.Sprintf(format, args...))
}

// IsTerminal returns true if the error should end a task without any
// automatic retry.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNotFound) {
		return true
	}
	if errors.Is(err, ErrForbidden) {
		return true
	}
	if errors.Is(err, ErrBadRequest) {
		return true
	}
	if errors.Is(err, ErrTaskFinal) {
		return true
	}

	return false
}

// IsRetryable returns true if re-running the same operation may succeed.
// Upstream failures are retryable by the caller; conflicts are retried
// internally after re-reading the row.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrConflict) {
		return true
	}
	if errors.Is(err, ErrUpstream) {
		return true
	}

	return false
}

// Kind returns a short name for the error kind, used in task details and
// HTTP responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrBadRequest):
		return "bad-request"
	case errors.Is(err, ErrUpstream):
		return "upstream-failure"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrTaskFinal):
		return "task-final"
	default:
		return "internal"
	}
}

// HTTPStatus maps an error kind to the status code an HTTP handler should
// answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict), errors.Is(err, ErrTaskFinal):
		return http.StatusConflict
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromKind rebuilds an error of the kind Kind named, for failures read back
// from stored task details.
func FromKind(kind, message string) error {
	var base error
	switch kind {
	case "":
		return nil
	case "not-found":
		base = ErrNotFound
	case "forbidden":
		base = ErrForbidden
	case "bad-request":
		base = ErrBadRequest
	case "upstream-failure":
		base = ErrUpstream
	case "conflict":
		base = ErrConflict
	case "task-final":
		base = ErrTaskFinal
	default:
		return errors.New(message)
	}
	if message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, message)
}
