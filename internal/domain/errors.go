package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError reports a malformed or missing request field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError is a helper constructor
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// UnauthorizedError reports a missing credential or an identity outside the allow-list
type UnauthorizedError struct {
	Identity string
	Reason   string
}

func (e *UnauthorizedError) Error() string {
	if e.Identity == "" {
		return fmt.Sprintf("unauthorized: %s", e.Reason)
	}
	return fmt.Sprintf("unauthorized identity %q: %s", e.Identity, e.Reason)
}

// UpstreamError wraps a failure from the telephony, AI or CRM provider
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s request failed: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// StorageError wraps a key-value store failure
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TimeoutError reports an external call aborted after its fixed budget.
// Hint carries a remediation the end user can act on.
type TimeoutError struct {
	Operation string
	Hint      string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out", e.Operation)
}

// HTTPStatus maps an error from the taxonomy onto a response status
func HTTPStatus(err error) int {
	var (
		validationErr   *ValidationError
		unauthorizedErr *UnauthorizedError
		upstreamErr     *UpstreamError
		storageErr      *StorageError
		timeoutErr      *TimeoutError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &unauthorizedErr):
		return http.StatusUnauthorized
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway
	case errors.As(err, &storageErr):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Hint returns the user-facing remediation attached to err, if any
func Hint(err error) string {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Hint
	}
	return ""
}
