package tasktree

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the service.
var (
	// ErrTreeNotFound indicates no live tree has the given root id.
	ErrTreeNotFound = errors.New("task tree not found")

	// ErrTaskNotFound indicates no live node has the given id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExists indicates a live node already has the requested id.
	ErrTaskExists = errors.New("task already exists")
)

// ServiceError wraps unexpected failures with the operation that hit them.
type ServiceError struct {
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface for ServiceError.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task tree service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("task tree service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a new ServiceError.
func NewServiceError(operation, message string, err error) *ServiceError {
	return &ServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// TreeRecoveryError records why one tree could not be recovered.
type TreeRecoveryError struct {
	RootTaskID string `json:"root_task_id"`
	Err        error  `json:"-"`
}

// Error implements the error interface for TreeRecoveryError.
func (e TreeRecoveryError) Error() string {
	return fmt.Sprintf("recovering tree %s: %v", e.RootTaskID, e.Err)
}

// Unwrap returns the underlying cause.
func (e TreeRecoveryError) Unwrap() error {
	return e.Err
}
