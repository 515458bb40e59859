package sqlite

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/phrazzld/tasktree/internal/platform/logger"
	"github.com/phrazzld/tasktree/internal/redact"
	"github.com/phrazzld/tasktree/internal/store"
)

// SharedContextStore implements store.SharedContextRepository on SQLite.
type SharedContextStore struct {
	db     store.DBTX
	logger *slog.Logger
	opts   options
}

// NewSharedContextStore creates a SharedContextStore.
func NewSharedContextStore(db store.DBTX, logger *slog.Logger, opts ...Option) *SharedContextStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SharedContextStore{
		db:     db,
		logger: logger.With(slog.String("component", "shared_context_store")),
		opts:   buildOptions(opts),
	}
}

var _ store.SharedContextRepository = (*SharedContextStore)(nil)

// SaveContext implements store.SharedContextRepository.SaveContext
// Returns store.ErrInvalidEntity if the root task row does not exist.
func (s *SharedContextStore) SaveContext(ctx context.Context, rootTaskID string, data map[string]any) error {
	encoded, err := encodeJSONObject(data)
	if err != nil {
		return store.NewStoreError("shared_context", "save", "encoding data", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shared_contexts (root_task_id, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (root_task_id) DO UPDATE
		SET data = excluded.data, updated_at = excluded.updated_at
	`, rootTaskID, encoded, millis(s.opts.now()))
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to save shared context",
			slog.String("error", redact.Error(err)),
			slog.String("root_task_id", rootTaskID))
		return MapError(err)
	}
	return nil
}

// FindContext implements store.SharedContextRepository.FindContext
func (s *SharedContextStore) FindContext(ctx context.Context, rootTaskID string) (map[string]any, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM shared_contexts WHERE root_task_id = ?`, rootTaskID).Scan(&raw)
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
func (s *SharedContextStore) DeleteContext(ctx context.Context, rootTaskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shared_contexts WHERE root_task_id = ?`, rootTaskID)
	return MapError(err)
}
