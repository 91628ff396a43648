package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before reaching storage.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when no record matches the requested id.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a newer version of the record already exists.
	ErrConflict = errors.New("conflict")
	// ErrNetwork wraps transport and remote availability failures.
	ErrNetwork = errors.New("network failure")
	// ErrUnauthorized indicates the remote rejected the configured credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotInitialized is returned by store operations before Initialize.
	ErrNotInitialized = errors.New("store not initialized")
)

// ValidationError is a rejected input with the reason shown to the user. It
// matches ErrValidation under errors.Is.
type ValidationError struct {
	Reason string
}

// Invalid returns a ValidationError with a formatted reason.
func Invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string { return ErrValidation.Error() + ": " + e.Reason }

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Message maps an error to the text shown to the user.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		var ve *ValidationError
		if errors.As(err, &ve) && ve.Reason != "" {
			return ve.Reason
		}
		return "Invalid input"
	case errors.Is(err, ErrNotFound):
		return "Task no longer exists"
	case errors.Is(err, ErrConflict):
		return "Task was changed elsewhere, showing the latest version"
	case errors.Is(err, ErrUnauthorized):
		return "Remote database rejected the credentials"
	case errors.Is(err, ErrNetwork):
		return "Remote database unreachable, changes are kept locally"
	case errors.Is(err, ErrNotInitialized):
		return "Task store is not ready yet"
	default:
		return fmt.Sprintf("Operation failed: %v", err)
	}
}

// Kind returns a short machine readable class for err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	default:
		return "internal"
	}
}
