package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/phrazzld/tasktree/internal/store"
)

// constraintViolations maps integrity SQLSTATEs onto a label for
// store.ErrInvalidEntity.
var constraintViolations = map[string]string{
	pgerrcode.ForeignKeyViolation: "foreign key violation",
	pgerrcode.CheckViolation:      "check constraint violation",
	pgerrcode.NotNullViolation:    "not null violation",
}

// MapError translates driver errors into store sentinels, keeping the
// original error in the message. Unrecognised errors are returned as is.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	if pgErr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	}
	if label, ok := constraintViolations[pgErr.Code]; ok {
		subject := pgErr.ConstraintName
		if pgErr.Code == pgerrcode.NotNullViolation {
			subject = pgErr.ColumnName
		}
		return fmt.Errorf("%w: %s (%s): %v", store.ErrInvalidEntity, label, subject, err)
	}
	if pgerrcode.IsTransactionRollback(pgErr.Code) {
		return fmt.Errorf("%w: %v", store.ErrTransactionFailed, err)
	}
	return err
}

// IsUniqueViolation reports a unique constraint failure.
func IsUniqueViolation(err error) bool {
	return hasCode(err, pgerrcode.UniqueViolation)
}

// IsForeignKeyViolation reports a foreign key failure, e.g. a shared context
// saved before its root row exists.
func IsForeignKeyViolation(err error) bool {
	return hasCode(err, pgerrcode.ForeignKeyViolation)
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// IsNotFoundError matches sql.ErrNoRows as well as store.ErrNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, store.ErrNotFound)
}

// CheckRowsAffected returns notFound, or store.ErrNotFound when notFound is
// nil, if result touched no rows.
func CheckRowsAffected(result sql.Result, notFound error) error {
	if result == nil {
		return errors.New("nil result provided to CheckRowsAffected")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if notFound == nil {
		return store.ErrNotFound
	}
	return notFound
}
