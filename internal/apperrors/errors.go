// Package apperrors provides common static errors used throughout the application.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError represents an HTTP error with a status code.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// Is maps well-known status codes onto the sentinel errors below, so callers
// can use errors.Is without inspecting the status code.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict || e.StatusCode == http.StatusPreconditionFailed
	case ErrAdapterUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	case ErrNotAuthenticated:
		return e.StatusCode == http.StatusUnauthorized
	case ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(statusCode int, body string) *HTTPError {
	return &HTTPError{StatusCode: statusCode, Body: body}
}

// Common static errors used throughout the application.
var (
	// ErrNotFound is returned when a workspace or document does not exist in a store.
	ErrNotFound = errors.New("not found")

	// ErrAdapterUnavailable is returned when a store cannot currently serve requests
	// (cloud adapter not initialized, backend down, circuit open).
	ErrAdapterUnavailable = errors.New("adapter unavailable")

	// ErrNotAuthenticated is returned when a cloud operation is attempted without a signed-in user.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrIllegalTransition is returned when a sync status change is not part of the state machine.
	ErrIllegalTransition = errors.New("illegal sync status transition")

	// ErrDuplicateKey is returned in strict mode when a listing holds two records with the same canonical key.
	ErrDuplicateKey = errors.New("duplicate canonical key")

	// ErrHydrationViolation is returned in strict mode when a CRDT document is opened
	// already populated while both content sources are present.
	ErrHydrationViolation = errors.New("hydration invariant violated")

	// ErrConflict is returned when the cloud rejects a write because the remote copy moved on.
	ErrConflict = errors.New("conflict")

	// ErrNoConflict is returned when resolving a document that has no outstanding conflict.
	ErrNoConflict = errors.New("no outstanding conflict for document")

	// ErrUnknownChoice is returned when a conflict resolution choice is neither local nor remote.
	ErrUnknownChoice = errors.New("unknown resolution choice (expected local or remote)")

	// ErrInvalidInput is returned when a record fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedScheme is returned when a DSN uses a scheme with no registered backend.
	ErrUnsupportedScheme = errors.New("unsupported scheme")

	// ErrBatchUnsupported is returned when the backend has no batch endpoint.
	ErrBatchUnsupported = errors.New("batch endpoint not supported")

	// ErrBatchOperation is returned for a batch entry the backend rejected or skipped.
	ErrBatchOperation = errors.New("batch operation failed")

	// ErrWorkspaceNotLinked is returned when a document cannot be pushed because its
	// workspace could not be created in the cloud.
	ErrWorkspaceNotLinked = errors.New("workspace not linked to the cloud")

	// ErrMaxRetriesExceeded is returned when the maximum number of retries is exceeded.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrTransactionCommitted is returned when attempting to use a transaction that has already been committed.
	ErrTransactionCommitted = errors.New("transaction already committed")

	// ErrNoWorkspace is returned when an operation needs a workspace and none exists.
	ErrNoWorkspace = errors.New("no workspace available")

	// ErrWorkspaceRequired is returned by the CLI when a workspace argument is missing.
	ErrWorkspaceRequired = errors.New("workspace ID required")

	// ErrDocumentIDRequired is returned by the CLI when a document argument is missing.
	ErrDocumentIDRequired = errors.New("document ID required")

	// ErrCloudNotConfigured is returned when a cloud command runs without MDS_API_URL.
	ErrCloudNotConfigured = errors.New("cloud not configured (set MDS_API_URL)")
)
