package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phrazzld/tasktree/internal/api/shared"
	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/platform/logger"
	"github.com/phrazzld/tasktree/internal/service/tasktree"
	"github.com/phrazzld/tasktree/internal/sharedctx"
	"github.com/phrazzld/tasktree/internal/store"
)

const (
	defaultPageSize = 50
	pingTimeout     = 2 * time.Second
)

// Engine is the read side of the tasktree service.
type Engine interface {
	Stats() tasktree.Stats
	Roots() []*domain.TaskNode
	Root(rootTaskID string) (*domain.TaskNode, bool)
	SharedContext(rootTaskID string) (*sharedctx.Context, bool)
}

// Pinger checks database reachability; *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// LockReader reads execution locks.
type LockReader interface {
	FindLock(ctx context.Context, key string) (*store.ExecutionLock, error)
}

// ArchiveReader reads archived trees.
type ArchiveReader interface {
	FindMany(ctx context.Context, filter store.CompletedTaskFilter) ([]store.CompletedTask, error)
}

var _ Engine = (*tasktree.Service)(nil)

// OpsHandler serves the ops endpoints.
type OpsHandler struct {
	engine  Engine
	db      Pinger
	locks   LockReader
	archive ArchiveReader
	logger  *slog.Logger
}

// NewOpsHandler creates an OpsHandler. db, locks and archive may be nil, in
// which case their endpoints report them as unavailable.
func NewOpsHandler(
	engine Engine,
	db Pinger,
	locks LockReader,
	archive ArchiveReader,
	log *slog.Logger,
) *OpsHandler {
	if engine == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("engine cannot be nil for OpsHandler")
	}
	if log == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for OpsHandler")
	}
	return &OpsHandler{
		engine:  engine,
		db:      db,
		locks:   locks,
		archive: archive,
		logger:  log.With(slog.String("component", "ops_handler")),
	}
}

// Health handles GET /healthz.
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ok", Database: "unchecked"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ok", Database: "ok"})
}

// Stats handles GET /stats.
func (h *OpsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.engine.Stats())
}

// ListTrees handles GET /trees.
func (h *OpsHandler) ListTrees(w http.ResponseWriter, r *http.Request) {
	limit, err := shared.QueryInt(r, "limit", defaultPageSize)
	if err != nil {
		HandleAPIError(w, r, fmt.Errorf("%w: %w", ErrInvalidQuery, err), "")
		return
	}
	q := ListTreesQuery{Status: r.URL.Query().Get("status"), Limit: limit}
	if err := shared.ValidateRequest(&q); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	trees := make([]TreeSummary, 0)
	for _, root := range h.engine.Roots() {
		if q.Status != "" && root.Status() != domain.TaskStatus(q.Status) {
			continue
		}
		trees = append(trees, summarize(root))
		if len(trees) == q.Limit {
			break
		}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, trees)
}

// GetTree handles GET /trees/{id}.
func (h *OpsHandler) GetTree(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := logger.WithTreeID(r.Context(), id)
	r = r.WithContext(ctx)

	root, ok := h.engine.Root(id)
	if !ok {
		HandleAPIError(w, r, fmt.Errorf("%w: %s", tasktree.ErrTreeNotFound, id), "")
		return
	}

	detail := TreeDetail{
		TreeSummary:   summarize(root),
		Tree:          root.TreeData(),
		SharedContext: map[string]any{},
	}
	if sc, ok := h.engine.SharedContext(id); ok {
		detail.SharedContext = sc.Snapshot()
	}
	logger.FromContextOrDefault(ctx, h.logger).Debug("served tree detail",
		slog.Int("total_tasks", detail.TotalTasks))
	shared.RespondWithJSON(w, r, http.StatusOK, detail)
}

// ListArchive handles GET /archive.
func (h *OpsHandler) ListArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		shared.RespondWithError(w, r, http.StatusNotImplemented, "Archive not configured")
		return
	}
	limit, err := shared.QueryInt(r, "limit", defaultPageSize)
	if err != nil {
		HandleAPIError(w, r, fmt.Errorf("%w: %w", ErrInvalidQuery, err), "")
		return
	}
	offset, err := shared.QueryInt(r, "offset", 0)
	if err != nil {
		HandleAPIError(w, r, fmt.Errorf("%w: %w", ErrInvalidQuery, err), "")
		return
	}
	q := ArchiveQuery{
		RootTaskID: r.URL.Query().Get("root_task_id"),
		TreeStatus: r.URL.Query().Get("tree_status"),
		Limit:      limit,
		Offset:     offset,
	}
	if err := shared.ValidateRequest(&q); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	rows, err := h.archive.FindMany(r.Context(), q.Filter())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list archived tasks")
		return
	}
	if rows == nil {
		rows = []store.CompletedTask{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, rows)
}

// GetLock handles GET /locks/{key...}.
func (h *OpsHandler) GetLock(w http.ResponseWriter, r *http.Request) {
	if h.locks == nil {
		shared.RespondWithError(w, r, http.StatusNotImplemented, "Locks not configured")
		return
	}
	// Lock keys are namespaced with slashes, so the key is the rest of the path.
	key, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || key == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid lock key")
		return
	}
	lock, err := h.locks.FindLock(r.Context(), key)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, lock)
}
