package remote

import (
	"errors"
	"fmt"
)

// NetworkError wraps a transport-level failure: connection refused, DNS,
// timeouts. Callers treat these as routine and never surface them to users.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// BackendError is a rejection from the backend itself: auth failure,
// permission denied, constraint violation. These are surfaced to callers.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend: status %d: %s", e.Status, e.Message)
}

// ValidationError marks a malformed row or payload crossing the boundary.
// These indicate a bug, not an environmental condition.
type ValidationError struct {
	Table string
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s.%s: %s", e.Table, e.Field, e.Msg)
}

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsBackend reports whether err is (or wraps) a BackendError.
func IsBackend(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
