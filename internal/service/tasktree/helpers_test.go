package tasktree

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/mocks"
)

var seedTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startService builds a service over db and runs it until the test ends.
func startService(t *testing.T, db *mocks.MemoryDB, opts ...Option) *Service {
	t.Helper()
	svc, err := New(db.Stores(), testLogger(), opts...)
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, svc.Shutdown(ctx))
		select {
		case err := <-runDone:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Error("service did not stop")
		}
	})
	return svc
}

func dir(id string) domain.NodeParams {
	return domain.NodeParams{ID: id, Name: id, Type: domain.NodeTypeDirectory}
}

func leaf(id, executor string) domain.NodeParams {
	return domain.NodeParams{
		ID:       id,
		Name:     id,
		Type:     domain.NodeTypeLeaf,
		Executor: &domain.ExecutorConfig{Name: executor, Params: map[string]any{"cmd": "true"}},
	}
}

// row returns a persisted directory row. seq orders rows by creation time.
func row(id, rootID, parentID string, status domain.TaskStatus, seq int) domain.TaskSnapshot {
	created := seedTime.Add(time.Duration(seq) * time.Second)
	return domain.TaskSnapshot{
		ID:         id,
		RootTaskID: rootID,
		ParentID:   parentID,
		Name:       id,
		Type:       domain.NodeTypeDirectory,
		Status:     status,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

// persisted waits until every id has a running row.
func persisted(t *testing.T, db *mocks.MemoryDB, ids ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if _, ok := db.RunningTask(id); !ok {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}
