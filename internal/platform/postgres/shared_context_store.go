package postgres

import (
	"context"
	"log/slog"

	"github.com/phrazzld/tasktree/internal/platform/logger"
	"github.com/phrazzld/tasktree/internal/redact"
	"github.com/phrazzld/tasktree/internal/store"
)

// PostgresSharedContextStore implements the store.SharedContextRepository
// interface using a PostgreSQL database as the storage backend.
type PostgresSharedContextStore struct {
	db     store.DBTX
	logger *slog.Logger
	opts   options
}

// NewPostgresSharedContextStore creates a new PostgreSQL implementation of the
// SharedContextRepository interface. If logger is nil, a default logger will be used.
func NewPostgresSharedContextStore(db store.DBTX, logger *slog.Logger, opts ...Option) *PostgresSharedContextStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSharedContextStore{
		db:     db,
		logger: logger.With(slog.String("component", "shared_context_store")),
		opts:   buildOptions(opts),
	}
}

// Ensure PostgresSharedContextStore implements store.SharedContextRepository interface
var _ store.SharedContextRepository = (*PostgresSharedContextStore)(nil)

// SaveContext implements store.SharedContextRepository.SaveContext
// Returns store.ErrInvalidEntity if the root task row does not exist.
func (s *PostgresSharedContextStore) SaveContext(ctx context.Context, rootTaskID string, data map[string]any) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	encoded, err := encodeJSONObject(data)
	if err != nil {
		return store.NewStoreError("shared_context", "save", "encoding data", err)
	}

	query := `
		INSERT INTO shared_contexts (root_task_id, data, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (root_task_id) DO UPDATE
		SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, rootTaskID, encoded, s.opts.now().UTC()); err != nil {
		log.Error("failed to save shared context",
			slog.String("error", redact.Error(err)),
			slog.String("root_task_id", rootTaskID))
		return MapError(err)
	}
	return nil
}

// FindContext implements store.SharedContextRepository.FindContext
func (s *PostgresSharedContextStore) FindContext(ctx context.Context, rootTaskID string) (map[string]any, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM shared_contexts WHERE root_task_id = $1`, rootTaskID).Scan(&raw)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, store.ErrContextNotFound
		}
		return nil, MapError(err)
	}
	data, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// DeleteContext implements store.SharedContextRepository.DeleteContext
func (s *PostgresSharedContextStore) DeleteContext(ctx context.Context, rootTaskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shared_contexts WHERE root_task_id = $1`, rootTaskID)
	return MapError(err)
}
