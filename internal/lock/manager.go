// Package lock provides lease-based execution locks on top of an
// ExecutionLockRepository: non-blocking and retrying acquisition, leases that
// renew themselves, and a scheduled sweeper for expired rows.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/phrazzld/tasktree/internal/store"
)

// ErrNotAcquired is returned by Manager.Acquire when every attempt found the
// lock held by another owner.
var ErrNotAcquired = errors.New("execution lock not acquired")

// Defaults used when no option overrides them.
const (
	DefaultTTL              = 30 * time.Second
	DefaultAcquireAttempts  = 5
	DefaultAcquireBaseDelay = 100 * time.Millisecond
)

// Manager acquires execution locks on behalf of one owner.
type Manager struct {
	repo      store.ExecutionLockRepository
	owner     string
	ttl       time.Duration
	attempts  uint64
	baseDelay time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the lease duration.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithRetry sets how often Acquire tries and the initial backoff delay.
func WithRetry(attempts uint64, baseDelay time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.attempts = attempts
		}
		if baseDelay > 0 {
			m.baseDelay = baseDelay
		}
	}
}

// WithClock replaces time.Now when computing expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager acquiring locks as owner. An empty owner is
// replaced by a random one.
func NewManager(repo store.ExecutionLockRepository, owner string, logger *slog.Logger, opts ...Option) *Manager {
	if repo == nil {
		panic("execution lock repository cannot be nil") // ALLOW-PANIC
	}
	if logger == nil {
		logger = slog.Default()
	}
	if owner == "" {
		owner = uuid.NewString()
	}
	m := &Manager{
		repo:      repo,
		owner:     owner,
		ttl:       DefaultTTL,
		attempts:  DefaultAcquireAttempts,
		baseDelay: DefaultAcquireBaseDelay,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "lock_manager"), slog.String("owner", owner)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Owner returns the owner id written to acquired locks.
func (m *Manager) Owner() string { return m.owner }

// TTL returns the lease duration.
func (m *Manager) TTL() time.Duration { return m.ttl }

// TryAcquire makes a single attempt. Contention is reported as
// acquired=false with a nil error.
func (m *Manager) TryAcquire(
	ctx context.Context,
	key string,
	lockType store.LockType,
	data map[string]any,
) (lease *Lease, acquired bool, err error) {
	if key == "" {
		return nil, false, fmt.Errorf("%w: lock key cannot be empty", store.ErrInvalidEntity)
	}
	if !lockType.IsValid() {
		return nil, false, fmt.Errorf("%w: unknown lock type %q", store.ErrInvalidEntity, lockType)
	}

	expiresAt := m.now().Add(m.ttl)
	row, err := m.repo.AcquireLock(ctx, key, m.owner, expiresAt, lockType, data)
	if errors.Is(err, store.ErrLockHeld) {
		m.logger.Debug("lock contended", slog.String("lock_key", key))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	m.logger.Debug("lock acquired",
		slog.String("lock_key", key),
		slog.Time("expires_at", row.ExpiresAt))
	return newLease(m, key, row.ExpiresAt), true, nil
}

// Acquire retries TryAcquire with exponential backoff until the lock is
// taken, the attempts are exhausted, or ctx is done.
func (m *Manager) Acquire(
	ctx context.Context,
	key string,
	lockType store.LockType,
	data map[string]any,
) (*Lease, error) {
	backoff := retry.NewExponential(m.baseDelay)
	backoff = retry.WithCappedDuration(m.ttl, backoff)
	backoff = retry.WithMaxRetries(m.attempts-1, backoff)

	attempt := 0
	lease, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (*Lease, error) {
		attempt++
		lease, acquired, err := m.TryAcquire(ctx, key, lockType, data)
		if err != nil {
			return nil, err
		}
		if !acquired {
			return nil, retry.RetryableError(store.ErrLockHeld)
		}
		return lease, nil
	})
	if errors.Is(err, store.ErrLockHeld) {
		return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrNotAcquired, key, attempt, err)
	}
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Check reports whether an unexpired lock exists for key.
func (m *Manager) Check(ctx context.Context, key string) (bool, error) {
	return m.repo.CheckLock(ctx, key)
}

// ForceRelease deletes the lock for key regardless of owner.
func (m *Manager) ForceRelease(ctx context.Context, key string) error {
	if err := m.repo.ForceReleaseLock(ctx, key); err != nil {
		return fmt.Errorf("failed to force release lock %s: %w", key, err)
	}
	m.logger.Warn("lock force released", slog.String("lock_key", key))
	return nil
}
