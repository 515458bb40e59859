package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/tasktree/internal/api/shared"
	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/mocks"
	"github.com/phrazzld/tasktree/internal/service/tasktree"
	"github.com/phrazzld/tasktree/internal/store"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

type fixture struct {
	db     *mocks.MemoryDB
	svc    *tasktree.Service
	router http.Handler
}

func newFixture(t *testing.T, ping pingerFunc) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := mocks.NewMemoryDB()
	svc, err := tasktree.New(db.Stores(), log)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, svc.Shutdown(ctx))
		require.NoError(t, <-done)
	})

	var pinger Pinger
	if ping != nil {
		pinger = ping
	}
	stores := db.Stores()
	h := NewOpsHandler(svc, pinger, stores.Locks, stores.Completed, log)
	return &fixture{db: db, svc: svc, router: NewRouter(h, log)}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	t.Run("database reachable", func(t *testing.T) {
		f := newFixture(t, func(context.Context) error { return nil })
		w := f.get(t, "/healthz")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, HealthResponse{Status: "ok", Database: "ok"}, decode[HealthResponse](t, w))
	})

	t.Run("database down", func(t *testing.T) {
		f := newFixture(t, func(context.Context) error { return errors.New("connection refused") })
		w := f.get(t, "/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := decode[shared.ErrorResponse](t, w)
		assert.Equal(t, "Database unavailable", body.Error)
		assert.NotEmpty(t, body.TraceID)
		assert.NotContains(t, w.Body.String(), "refused")
	})

	t.Run("no database", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.get(t, "/healthz")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "unchecked", decode[HealthResponse](t, w).Database)
	})
}

func TestStatsAndTrees(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	root, err := f.svc.CreateRoot(ctx,
		domain.NodeParams{ID: "nightly", Name: "nightly", Type: domain.NodeTypeDirectory},
		map[string]any{"env": "prod"})
	require.NoError(t, err)
	require.NoError(t, root.Start())
	_, err = f.svc.CreateChild(ctx, "nightly",
		domain.NodeParams{ID: "nightly-1", Name: "backup", Type: domain.NodeTypeDirectory})
	require.NoError(t, err)
	_, err = f.svc.CreateRoot(ctx,
		domain.NodeParams{ID: "adhoc", Name: "adhoc", Type: domain.NodeTypeDirectory}, nil)
	require.NoError(t, err)

	w := f.get(t, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[tasktree.Stats](t, w)
	assert.Equal(t, 2, stats.LiveTrees)
	assert.Equal(t, 3, stats.LiveTasks)
	assert.Equal(t, 2, stats.Contexts.TotalContexts)

	w = f.get(t, "/trees")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]TreeSummary](t, w), 2)

	w = f.get(t, "/trees?status=running")
	require.Equal(t, http.StatusOK, w.Code)
	running := decode[[]TreeSummary](t, w)
	require.Len(t, running, 1)
	assert.Equal(t, "nightly", running[0].RootTaskID)
	assert.Equal(t, 2, running[0].TotalTasks)

	w = f.get(t, "/trees/nightly")
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[TreeDetail](t, w)
	assert.Equal(t, domain.TaskStatusRunning, detail.Status)
	assert.Equal(t, map[string]any{"env": "prod"}, detail.SharedContext)
	assert.Len(t, detail.Tree["children"], 1)

	w = f.get(t, "/trees/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Tree not found", decode[shared.ErrorResponse](t, w).Error)
}

func TestListTrees_InvalidQuery(t *testing.T) {
	f := newFixture(t, nil)

	w := f.get(t, "/trees?limit=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid query", decode[shared.ErrorResponse](t, w).Error)

	w = f.get(t, "/trees?status=exploded")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid Status: failed oneof check", decode[shared.ErrorResponse](t, w).Error)

	w = f.get(t, "/trees?limit=0")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListArchive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	root, err := f.svc.CreateRoot(ctx,
		domain.NodeParams{ID: "done", Name: "done", Type: domain.NodeTypeDirectory}, nil)
	require.NoError(t, err)
	require.NoError(t, root.Start())
	_, err = f.svc.CreateChild(ctx, "done",
		domain.NodeParams{ID: "done-1", Name: "step", Type: domain.NodeTypeDirectory})
	require.NoError(t, err)
	_, err = f.svc.CompleteTree(ctx, "done")
	require.NoError(t, err)

	w := f.get(t, "/archive")
	require.Equal(t, http.StatusOK, w.Code)
	roots := decode[[]store.CompletedTask](t, w)
	require.Len(t, roots, 1)
	assert.Equal(t, "done", roots[0].ID)
	assert.Equal(t, domain.TaskStatusCompleted, roots[0].TreeStatus)

	w = f.get(t, "/archive?root_task_id=done")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]store.CompletedTask](t, w), 2)

	w = f.get(t, "/archive?tree_status=running")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetLock(t *testing.T) {
	f := newFixture(t, nil)
	expires := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	_, err := f.db.Stores().Locks.AcquireLock(context.Background(),
		"wf-42", "engine-a", expires, store.LockTypeWorkflow, map[string]any{"pid": 7})
	require.NoError(t, err)

	w := f.get(t, "/locks/wf-42")
	require.Equal(t, http.StatusOK, w.Code)
	lock := decode[store.ExecutionLock](t, w)
	assert.Equal(t, "engine-a", lock.Owner)
	assert.True(t, expires.Equal(lock.ExpiresAt))

	w = f.get(t, "/locks/none")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Lock not found", decode[shared.ErrorResponse](t, w).Error)
}

func TestGetLock_NamespacedKey(t *testing.T) {
	f := newFixture(t, nil)
	expires := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	_, err := f.db.Stores().Locks.AcquireLock(context.Background(),
		"tasktree/recovery", "engine-b", expires, store.LockTypeWorkflow, nil)
	require.NoError(t, err)

	for _, path := range []string{"/locks/tasktree/recovery", "/locks/tasktree%2Frecovery"} {
		w := f.get(t, path)
		require.Equal(t, http.StatusOK, w.Code, path)
		lock := decode[store.ExecutionLock](t, w)
		assert.Equal(t, "engine-b", lock.Owner, path)
		assert.Equal(t, "tasktree/recovery", lock.LockKey, path)
	}

	w := f.get(t, "/locks/tasktree/other")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.get(t, "/locks/")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMapErrorToStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"tree not found", tasktree.ErrTreeNotFound, http.StatusNotFound},
		{"store not found", store.ErrTaskNotFound, http.StatusNotFound},
		{"invalid query", ErrInvalidQuery, http.StatusBadRequest},
		{"domain validation", domain.NewValidationError("name", "empty"), http.StatusBadRequest},
		{"invalid entity", store.ErrInvalidEntity, http.StatusBadRequest},
		{"anything else", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, MapErrorToStatusCode(tc.err))
		})
	}
	assert.Equal(t, "An unexpected error occurred", GetSafeErrorMessage(nil))
}
