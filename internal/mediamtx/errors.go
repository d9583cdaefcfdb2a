package mediamtx

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable means the remote media server could not be reached:
	// the circuit breaker is open, the call deadline expired, or transient
	// retries were exhausted.
	ErrUnavailable = errors.New("remote media server unavailable")

	// ErrPathNotFound means the remote server has no path with that name.
	ErrPathNotFound = errors.New("path not found")

	// ErrRejected means the remote server rejected the request as invalid.
	// These are never retried.
	ErrRejected = errors.New("request rejected by remote media server")
)

// APIError carries the HTTP status of a non-2xx control API response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mediamtx api error (status %d): %s", e.StatusCode, e.Message)
}

// IsTransient reports whether the error is an existence race or server-side
// failure that an idempotent operation may retry: 404, 409 or any 5xx.
func IsTransient(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == 404 || apiErr.StatusCode == 409 || apiErr.StatusCode >= 500
}

// isAlreadyExists reports whether a create failed only because the path is
// already configured. Treated as success by EnsurePath.
func isAlreadyExists(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == 409 {
		return true
	}
	// Older server versions answer 400 with an "already exists" message.
	return apiErr.StatusCode == 400 && strings.Contains(apiErr.Message, "already exists")
}
