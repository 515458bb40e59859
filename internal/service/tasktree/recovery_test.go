package tasktree

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/mocks"
)

func TestRecoverRunningTasks_IsolatesBrokenTrees(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	db.Seed(
		// Tree a references a parent that was never persisted.
		row("a", "a", "", domain.TaskStatusRunning, 0),
		row("a-1", "a", "ghost", domain.TaskStatusPending, 1),

		row("b", "b", "", domain.TaskStatusRunning, 2),
		row("b-1", "b", "b", domain.TaskStatusRunning, 3),
		row("b-2", "b", "b", domain.TaskStatusPaused, 4),
	)
	db.SeedContext("b", map[string]any{"owner": "ops", "attempt": 2})

	var notified []string
	svc := startService(t, db, WithOnRecovered(func(_ context.Context, roots []*domain.TaskNode) error {
		for _, r := range roots {
			notified = append(notified, r.ID())
		}
		return nil
	}))

	result, err := svc.RecoverRunningTasks(ctx)
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "a", result.Errors[0].RootTaskID)
	assert.ErrorIs(t, result.Errors[0], domain.ErrOrphanNode)

	require.Len(t, result.RootTasks, 1)
	assert.Equal(t, "b", result.RootTasks[0].ID())
	assert.Equal(t, 3, result.RecoveredNodes)
	assert.Zero(t, result.ArchivedTrees)
	assert.Equal(t, []string{"b"}, notified)

	_, ok := svc.Root("a")
	assert.False(t, ok)

	b2, ok := svc.Task("b-2")
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusPaused, b2.Status())
	assert.Equal(t, []string{"b-1", "b-2"}, childIDs(result.RootTasks[0]))

	sc, ok := svc.SharedContext("b")
	require.True(t, ok)
	assert.Equal(t, "ops", sc.GetOrDefault("owner", ""))
	assert.Equal(t, 2, sc.GetOrDefault("attempt", 0))
}

func TestRecoverRunningTasks_RecoveredTreeKeepsPersisting(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	db.Seed(
		row("job", "job", "", domain.TaskStatusRunning, 0),
		row("job-1", "job", "job", domain.TaskStatusRunning, 1),
	)
	svc := startService(t, db)

	_, err := svc.RecoverRunningTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, db.Writes(mocks.OpCreateTask))

	node, ok := svc.Task("job-1")
	require.True(t, ok)
	require.NoError(t, node.Fail("timeout", map[string]any{"after": "30s"}))

	require.Eventually(t, func() bool {
		snap, ok := db.RunningTask("job-1")
		return ok && snap.Status == domain.TaskStatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	snap, _ := db.RunningTask("job-1")
	assert.Equal(t, "timeout", snap.ErrorMessage)

	child, err := svc.CreateChild(ctx, "job", dir("job-2"))
	require.NoError(t, err)
	assert.Equal(t, "job", child.RootTaskID())
	persisted(t, db, "job-2")

	sc, ok := svc.SharedContext("job")
	require.True(t, ok)
	sc.Set("resumed", true)
	require.Eventually(t, func() bool {
		saved, ok := db.SavedContext("job")
		return ok && saved["resumed"] == true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRecoverRunningTasks_ArchivesFinishedTrees(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	db.Seed(
		row("done", "done", "", domain.TaskStatusFailed, 0),
		row("done-1", "done", "done", domain.TaskStatusFailed, 1),
	)
	db.SeedContext("done", map[string]any{"reason": "quota"})
	svc := startService(t, db)

	result, err := svc.RecoverRunningTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.RootTasks)
	assert.Equal(t, 1, result.ArchivedTrees)

	assert.Zero(t, db.RunningCount())
	_, ok := svc.Root("done")
	assert.False(t, ok)

	archived, err := db.Stores().Completed.FindByID(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, archived.TreeStatus)
	assert.Equal(t, map[string]any{"reason": "quota"}, archived.SharedContext)
}

func TestRecoverRunningTasks_SkipsLiveTrees(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	db.Seed(row("once", "once", "", domain.TaskStatusRunning, 0))
	svc := startService(t, db)

	first, err := svc.RecoverRunningTasks(ctx)
	require.NoError(t, err)
	require.Len(t, first.RootTasks, 1)

	second, err := svc.RecoverRunningTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.RootTasks)
	assert.Empty(t, second.Errors)
	assert.Equal(t, 1, svc.Stats().LiveTrees)
}

func TestRecoverRunningTasks_ListFailure(t *testing.T) {
	db := mocks.NewMemoryDB()
	db.Intercept = func(op mocks.Op, _ string) error {
		if op == mocks.OpFindRoots {
			return errors.New("database is locked")
		}
		return nil
	}
	svc := startService(t, db)

	_, err := svc.RecoverRunningTasks(testContext(t))
	require.Error(t, err)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "recover", serviceErr.Operation)
}

func TestRecoverRunningTasks_CallbackErrorIsLogged(t *testing.T) {
	db := mocks.NewMemoryDB()
	db.Seed(row("cb", "cb", "", domain.TaskStatusPending, 0))
	svc := startService(t, db, WithOnRecovered(func(context.Context, []*domain.TaskNode) error {
		return errors.New("executor pool not ready")
	}))

	result, err := svc.RecoverRunningTasks(testContext(t))
	require.NoError(t, err)
	assert.Len(t, result.RootTasks, 1)
}

func childIDs(n *domain.TaskNode) []string {
	var ids []string
	for _, c := range n.Children() {
		ids = append(ids, c.ID())
	}
	return ids
}
