package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/tasktree/internal/platform/logger"
	"github.com/phrazzld/tasktree/internal/store"
)

// LockStore implements store.ExecutionLockRepository on SQLite. The store
// relies on the single-connection pool configured by Open to serialize the
// read-then-write in AcquireLock.
type LockStore struct {
	db     *sql.DB
	logger *slog.Logger
	opts   options
}

// NewLockStore creates a LockStore.
func NewLockStore(db *sql.DB, logger *slog.Logger, opts ...Option) *LockStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LockStore{
		db:     db,
		logger: logger.With(slog.String("component", "lock_store")),
		opts:   buildOptions(opts),
	}
}

var _ store.ExecutionLockRepository = (*LockStore)(nil)

const lockColumns = `lock_key, lock_type, owner, expires_at, lock_data, created_at, updated_at`

func scanLock(s rowScanner) (*store.ExecutionLock, error) {
	var l store.ExecutionLock
	var lockType string
	var data sql.NullString
	var expiresAt, createdAt, updatedAt int64
	if err := s.Scan(&l.LockKey, &lockType, &l.Owner, &expiresAt, &data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	decoded, err := decodeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("lock %s data: %w", l.LockKey, err)
	}
	l.LockType = store.LockType(lockType)
	l.LockData = decoded
	l.ExpiresAt = fromMillis(expiresAt)
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	return &l, nil
}

// AcquireLock implements store.ExecutionLockRepository.AcquireLock
func (s *LockStore) AcquireLock(
	ctx context.Context,
	key, owner string,
	expiresAt time.Time,
	lockType store.LockType,
	data map[string]any,
) (*store.ExecutionLock, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("lock_key", key))

	if key == "" || owner == "" {
		return nil, store.NewStoreError("lock", "acquire", "key and owner are required", store.ErrInvalidEntity)
	}
	if !lockType.IsValid() {
		return nil, store.NewStoreError("lock", "acquire", fmt.Sprintf("unknown lock type %q", lockType), store.ErrInvalidEntity)
	}
	encoded, err := encodeJSON(data)
	if err != nil {
		return nil, store.NewStoreError("lock", "acquire", "encoding lock data", err)
	}

	now := s.opts.now()
	acquired := &store.ExecutionLock{
		LockKey:   key,
		LockType:  lockType,
		Owner:     owner,
		ExpiresAt: fromMillis(millis(expiresAt)),
		LockData:  data,
		CreatedAt: fromMillis(millis(now)),
		UpdatedAt: fromMillis(millis(now)),
	}

	err = store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		existing, err := scanLock(tx.QueryRowContext(ctx,
			`SELECT `+lockColumns+` FROM execution_locks WHERE lock_key = ?`, key))
		switch {
		case err == nil:
			if !existing.Expired(now) {
				return store.NewStoreError("lock", "acquire",
					fmt.Sprintf("key %s held by %s until %s", key, existing.Owner, existing.ExpiresAt.Format(time.RFC3339)),
					store.ErrLockHeld)
			}
			log.Info("removing expired lock",
				slog.String("previous_owner", existing.Owner),
				slog.Time("expired_at", existing.ExpiresAt))
			if _, err := tx.ExecContext(ctx, `DELETE FROM execution_locks WHERE lock_key = ?`, key); err != nil {
				return MapError(err)
			}
		case IsNotFoundError(err):
		default:
			return MapError(err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO execution_locks (`+lockColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			key, string(lockType), owner, millis(expiresAt), encoded, millis(now), millis(now))
		if err != nil {
			if IsUniqueViolation(err) {
				return store.NewStoreError("lock", "acquire", "key "+key+" acquired concurrently", store.ErrLockHeld)
			}
			return MapError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug("lock acquired", slog.String("owner", owner), slog.Time("expires_at", acquired.ExpiresAt))
	return acquired, nil
}

// ReleaseLock implements store.ExecutionLockRepository.ReleaseLock
func (s *LockStore) ReleaseLock(ctx context.Context, key, owner string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_locks WHERE lock_key = ? AND owner = ?`, key, owner)
	if err != nil {
		return MapError(err)
	}
	if err := CheckRowsAffected(result, nil); err != nil {
		return s.ownershipError(ctx, key, "release", err)
	}
	return nil
}

// RenewLock implements store.ExecutionLockRepository.RenewLock
func (s *LockStore) RenewLock(ctx context.Context, key, owner string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE execution_locks SET expires_at = ?, updated_at = ? WHERE lock_key = ? AND owner = ?`,
		millis(expiresAt), millis(s.opts.now()), key, owner)
	if err != nil {
		return MapError(err)
	}
	if err := CheckRowsAffected(result, nil); err != nil {
		return s.ownershipError(ctx, key, "renew", err)
	}
	return nil
}

func (s *LockStore) ownershipError(ctx context.Context, key, operation string, err error) error {
	if !IsNotFoundError(err) {
		return err
	}
	existing, findErr := s.FindLock(ctx, key)
	if findErr != nil {
		return findErr
	}
	return store.NewStoreError("lock", operation,
		fmt.Sprintf("key %s is held by %s", key, existing.Owner), store.ErrLockNotOwned)
}

// ForceReleaseLock implements store.ExecutionLockRepository.ForceReleaseLock
func (s *LockStore) ForceReleaseLock(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM execution_locks WHERE lock_key = ?`, key); err != nil {
		return MapError(err)
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("lock force-released", slog.String("lock_key", key))
	return nil
}

// CleanupExpiredLocks implements store.ExecutionLockRepository.CleanupExpiredLocks
func (s *LockStore) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_locks WHERE expires_at <= ?`, millis(s.opts.now()))
	if err != nil {
		return 0, MapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		logger.FromContextOrDefault(ctx, s.logger).Info("expired locks removed", slog.Int64("count", n))
	}
	return n, nil
}

// CheckLock implements store.ExecutionLockRepository.CheckLock
func (s *LockStore) CheckLock(ctx context.Context, key string) (bool, error) {
	var held bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM execution_locks WHERE lock_key = ? AND expires_at > ?)`,
		key, millis(s.opts.now())).Scan(&held)
	if err != nil {
		return false, MapError(err)
	}
	return held, nil
}

// FindLock implements store.ExecutionLockRepository.FindLock
func (s *LockStore) FindLock(ctx context.Context, key string) (*store.ExecutionLock, error) {
	l, err := scanLock(s.db.QueryRowContext(ctx,
		`SELECT `+lockColumns+` FROM execution_locks WHERE lock_key = ?`, key))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, store.ErrLockNotFound
		}
		return nil, MapError(err)
	}
	return l, nil
}
