package store

import (
	"errors"
	"fmt"
)

// Sentinels shared by every backend. Backends wrap them in StoreError so
// callers can match with errors.Is regardless of the driver.
var (
	ErrNotFound      = errors.New("entity not found")
	ErrDuplicate     = errors.New("entity already exists")
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTransactionFailed wraps begin, commit and rollback failures.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrLockHeld means an unexpired lock exists on the key, whoever owns it.
	ErrLockHeld = errors.New("lock held by another owner")
	// ErrLockNotOwned means the caller tried to release or renew someone
	// else's lock.
	ErrLockNotOwned = errors.New("lock not owned by caller")

	ErrTaskNotFound    = fmt.Errorf("%w: task", ErrNotFound)
	ErrContextNotFound = fmt.Errorf("%w: shared context", ErrNotFound)
	ErrLockNotFound    = fmt.Errorf("%w: execution lock", ErrNotFound)

	ErrTaskExists = fmt.Errorf("%w: task", ErrDuplicate)
)

// IsNotFoundError reports whether err wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StoreError records which repository call failed on which entity.
type StoreError struct {
	Entity    string
	Operation string
	Message   string
	Err       error
}

func (e *StoreError) Error() string {
	msg := e.Operation + " operation on " + e.Entity + " failed: " + e.Message
	if e.Err == nil {
		return msg
	}
	return msg + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError builds a StoreError. err may be nil.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{Entity: entity, Operation: operation, Message: message, Err: err}
}
