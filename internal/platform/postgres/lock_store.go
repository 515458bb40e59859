package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/tasktree/internal/platform/logger"
	"github.com/phrazzld/tasktree/internal/store"
)

// PostgresLockStore implements the store.ExecutionLockRepository interface
// using a PostgreSQL database as the storage backend. Expiry is judged against
// the store's clock rather than the database server's.
type PostgresLockStore struct {
	db     *sql.DB
	logger *slog.Logger
	opts   options
}

// NewPostgresLockStore creates a new PostgreSQL implementation of the
// ExecutionLockRepository interface.
func NewPostgresLockStore(db *sql.DB, logger *slog.Logger, opts ...Option) *PostgresLockStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLockStore{
		db:     db,
		logger: logger.With(slog.String("component", "lock_store")),
		opts:   buildOptions(opts),
	}
}

// Ensure PostgresLockStore implements store.ExecutionLockRepository interface
var _ store.ExecutionLockRepository = (*PostgresLockStore)(nil)

const lockColumns = `lock_key, lock_type, owner, expires_at, lock_data, created_at, updated_at`

func scanLock(s rowScanner) (*store.ExecutionLock, error) {
	var l store.ExecutionLock
	var lockType string
	var data []byte
	if err := s.Scan(&l.LockKey, &lockType, &l.Owner, &l.ExpiresAt, &data, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	decoded, err := decodeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("lock %s data: %w", l.LockKey, err)
	}
	l.LockType = store.LockType(lockType)
	l.LockData = decoded
	l.ExpiresAt = l.ExpiresAt.UTC()
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

// AcquireLock implements store.ExecutionLockRepository.AcquireLock
func (s *PostgresLockStore) AcquireLock(
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

	now := s.opts.now().UTC()
	acquired := &store.ExecutionLock{
		LockKey:   key,
		LockType:  lockType,
		Owner:     owner,
		ExpiresAt: expiresAt.UTC(),
		LockData:  data,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = store.RunInTransaction(logger.WithLogger(ctx, log), s.db, func(ctx context.Context, tx *sql.Tx) error {
		existing, err := scanLock(tx.QueryRowContext(ctx,
			`SELECT `+lockColumns+` FROM execution_locks WHERE lock_key = $1 FOR UPDATE`, key))
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
			if _, err := tx.ExecContext(ctx, `DELETE FROM execution_locks WHERE lock_key = $1`, key); err != nil {
				return MapError(err)
			}
		case IsNotFoundError(err):
		default:
			return MapError(err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO execution_locks (`+lockColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			key, string(lockType), owner, acquired.ExpiresAt, encoded, now, now)
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
func (s *PostgresLockStore) ReleaseLock(ctx context.Context, key, owner string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_locks WHERE lock_key = $1 AND owner = $2`, key, owner)
	if err != nil {
		return MapError(err)
	}
	if err := CheckRowsAffected(result, nil); err != nil {
		return s.ownershipError(ctx, key, "release", err)
	}
	return nil
}

// RenewLock implements store.ExecutionLockRepository.RenewLock
func (s *PostgresLockStore) RenewLock(ctx context.Context, key, owner string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE execution_locks SET expires_at = $3, updated_at = $4 WHERE lock_key = $1 AND owner = $2`,
		key, owner, expiresAt.UTC(), s.opts.now().UTC())
	if err != nil {
		return MapError(err)
	}
	if err := CheckRowsAffected(result, nil); err != nil {
		return s.ownershipError(ctx, key, "renew", err)
	}
	return nil
}

// ownershipError distinguishes a missing lock from one held by someone else
// after an owner-scoped statement matched no rows.
func (s *PostgresLockStore) ownershipError(ctx context.Context, key, operation string, err error) error {
	if !IsNotFoundError(err) {
		return err
	}
	exists, findErr := s.FindLock(ctx, key)
	if findErr != nil {
		if IsNotFoundError(findErr) {
			return store.ErrLockNotFound
		}
		return findErr
	}
	return store.NewStoreError("lock", operation,
		fmt.Sprintf("key %s is held by %s", key, exists.Owner), store.ErrLockNotOwned)
}

// ForceReleaseLock implements store.ExecutionLockRepository.ForceReleaseLock
func (s *PostgresLockStore) ForceReleaseLock(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM execution_locks WHERE lock_key = $1`, key)
	if err != nil {
		return MapError(err)
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("lock force-released", slog.String("lock_key", key))
	return nil
}

// CleanupExpiredLocks implements store.ExecutionLockRepository.CleanupExpiredLocks
func (s *PostgresLockStore) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_locks WHERE expires_at <= $1`, s.opts.now().UTC())
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
func (s *PostgresLockStore) CheckLock(ctx context.Context, key string) (bool, error) {
	var held bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM execution_locks WHERE lock_key = $1 AND expires_at > $2)`,
		key, s.opts.now().UTC()).Scan(&held)
	if err != nil {
		return false, MapError(err)
	}
	return held, nil
}

// FindLock implements store.ExecutionLockRepository.FindLock
func (s *PostgresLockStore) FindLock(ctx context.Context, key string) (*store.ExecutionLock, error) {
	l, err := scanLock(s.db.QueryRowContext(ctx,
		`SELECT `+lockColumns+` FROM execution_locks WHERE lock_key = $1`, key))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, store.ErrLockNotFound
		}
		return nil, MapError(err)
	}
	return l, nil
}
