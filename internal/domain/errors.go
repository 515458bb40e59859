package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the engine.
var (
	// ErrValidation is returned when a domain entity or operation fails validation.
	// This is usually wrapped by a ValidationError carrying the offending field.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when a status transition is not permitted
	// from the node's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidStatus is returned when a status value is not recognised.
	ErrInvalidStatus = errors.New("invalid task status")

	// ErrInvalidNodeType is returned when a node type is not recognised.
	ErrInvalidNodeType = errors.New("invalid node type")

	// ErrUnknownExecutor is returned when a leaf references an executor that was
	// never registered.
	ErrUnknownExecutor = errors.New("unknown executor")
)

// ValidationError describes a rejected field or operation.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Message)
}

// Unwrap returns ErrValidation so callers can use errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// TransitionError is returned when an action is not allowed in the node's
// current status.
type TransitionError struct {
	TaskID string
	Action string
	From   TaskStatus
}

// Error implements the error interface for TransitionError.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s task %s in status %s",
		ErrInvalidTransition, e.Action, e.TaskID, e.From)
}

// Unwrap returns ErrInvalidTransition so callers can use errors.Is.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// IsValidationError reports whether err is a validation or transition failure,
// i.e. something the caller did wrong rather than an infrastructure fault.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidTransition)
}
