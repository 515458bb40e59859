package store

import (
	"context"
	"time"
)

// LockType classifies execution locks.
type LockType string

// Lock types
const (
	// LockTypeWorkflow guards one logical workflow across all instances.
	LockTypeWorkflow LockType = "workflow"
	// LockTypeInstance guards a single running tree instance.
	LockTypeInstance LockType = "instance"
)

// IsValid reports whether t is a known lock type.
func (t LockType) IsValid() bool {
	return t == LockTypeWorkflow || t == LockTypeInstance
}

// ExecutionLock is a lease on a key held by one owner until ExpiresAt.
type ExecutionLock struct {
	LockKey   string         `json:"lock_key"`
	LockType  LockType       `json:"lock_type"`
	Owner     string         `json:"owner"`
	ExpiresAt time.Time      `json:"expires_at"`
	LockData  map[string]any `json:"lock_data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Expired reports whether the lease has lapsed at now.
func (l *ExecutionLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// ExecutionLockRepository persists execution locks.
type ExecutionLockRepository interface {
	// AcquireLock creates a lock on key for owner. An expired lock on the key is
	// removed first. Returns ErrLockHeld if an unexpired lock exists, including
	// one held by the same owner.
	AcquireLock(
		ctx context.Context,
		key, owner string,
		expiresAt time.Time,
		lockType LockType,
		data map[string]any,
	) (*ExecutionLock, error)

	// ReleaseLock deletes the lock if owner holds it.
	// Returns ErrLockNotFound or ErrLockNotOwned.
	ReleaseLock(ctx context.Context, key, owner string) error

	// RenewLock extends the lease to expiresAt if owner holds it.
	// Returns ErrLockNotFound or ErrLockNotOwned.
	RenewLock(ctx context.Context, key, owner string, expiresAt time.Time) error

	// ForceReleaseLock deletes the lock regardless of owner.
	// Releasing a missing lock is not an error.
	ForceReleaseLock(ctx context.Context, key string) error

	// CleanupExpiredLocks deletes every expired lock and returns how many were removed.
	CleanupExpiredLocks(ctx context.Context) (int64, error)

	// CheckLock reports whether an unexpired lock exists on key.
	CheckLock(ctx context.Context, key string) (bool, error)

	// FindLock returns the lock row on key, expired or not.
	// Returns ErrLockNotFound if none exists.
	FindLock(ctx context.Context, key string) (*ExecutionLock, error)
}
