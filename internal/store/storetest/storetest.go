// Package storetest holds a behavioural suite that every storage backend must
// pass. Backend packages call Run from their own tests with a factory that
// builds a fresh set of repositories.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/store"
)

// Factory returns repositories over an empty, migrated database whose clock
// reads from now.
type Factory func(t *testing.T, now func() time.Time) store.Stores

// clock is a manual time source local to the suite.
type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)}
}

// Run executes the suite. Subtests get their own database from factory.
func Run(t *testing.T, factory Factory) {
	t.Run("RunningTasks", func(t *testing.T) { testRunningTasks(t, factory) })
	t.Run("SharedContexts", func(t *testing.T) { testSharedContexts(t, factory) })
	t.Run("CompletedTasks", func(t *testing.T) { testCompletedTasks(t, factory) })
	t.Run("MigrateTaskTree", func(t *testing.T) { testMigrateTaskTree(t, factory) })
	t.Run("Locks", func(t *testing.T) { testLocks(t, factory) })
}

// Snapshot builds a pending node snapshot stamped at at. parentID may be empty
// for a root.
func Snapshot(id, rootID, parentID string, nodeType domain.NodeType, at time.Time) domain.TaskSnapshot {
	snap := domain.TaskSnapshot{
		ID:         id,
		ParentID:   parentID,
		RootTaskID: rootID,
		Name:       "task " + id,
		Type:       nodeType,
		Status:     domain.TaskStatusPending,
		Metadata:   map[string]any{},
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	if nodeType == domain.NodeTypeLeaf {
		snap.Executor = &domain.ExecutorConfig{Name: "shell", Params: map[string]any{"cmd": "true"}}
	}
	return snap
}

// createTree inserts a root directory with two directories under it and one
// leaf under each: five rows in all.
func createTree(t *testing.T, ctx context.Context, repo store.RunningTaskRepository, rootID string, at time.Time) {
	t.Helper()
	rows := []domain.TaskSnapshot{
		Snapshot(rootID, rootID, "", domain.NodeTypeDirectory, at),
		Snapshot(rootID+"-a", rootID, rootID, domain.NodeTypeDirectory, at.Add(time.Millisecond)),
		Snapshot(rootID+"-b", rootID, rootID, domain.NodeTypeDirectory, at.Add(2*time.Millisecond)),
		Snapshot(rootID+"-a1", rootID, rootID+"-a", domain.NodeTypeLeaf, at.Add(3*time.Millisecond)),
		Snapshot(rootID+"-b1", rootID, rootID+"-b", domain.NodeTypeLeaf, at.Add(4*time.Millisecond)),
	}
	for _, row := range rows {
		require.NoError(t, repo.Create(ctx, row))
	}
}

func assertSameTime(t *testing.T, want time.Time, got time.Time, field string) {
	t.Helper()
	assert.True(t, want.Equal(got), "%s: want %s, got %s", field, want, got)
}

func testRunningTasks(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("create and find round trip", func(t *testing.T) {
		c := newClock()
		repo := factory(t, c.Now).Running

		root := Snapshot("root-1", "root-1", "", domain.NodeTypeDirectory, c.Now())
		leaf := Snapshot("leaf-1", "root-1", "root-1", domain.NodeTypeLeaf, c.Now())
		leaf.Metadata = map[string]any{"label": "build", domain.MetaProgress: float64(40)}
		require.NoError(t, repo.Create(ctx, root))
		require.NoError(t, repo.Create(ctx, leaf))

		got, err := repo.FindByID(ctx, "leaf-1")
		require.NoError(t, err)
		assert.Equal(t, "root-1", got.ParentID)
		assert.Equal(t, "root-1", got.RootTaskID)
		assert.Equal(t, domain.NodeTypeLeaf, got.Type)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
		require.NotNil(t, got.Executor)
		assert.Equal(t, "shell", got.Executor.Name)
		assert.Equal(t, map[string]any{"cmd": "true"}, got.Executor.Params)
		assert.Equal(t, "build", got.Metadata["label"])
		assert.Equal(t, 40, got.Progress)
		assertSameTime(t, c.Now(), got.CreatedAt, "created_at")
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)

		rootGot, err := repo.FindByID(ctx, "root-1")
		require.NoError(t, err)
		assert.True(t, rootGot.IsRoot())
		assert.Nil(t, rootGot.Executor)
	})

	t.Run("duplicate and missing rows", func(t *testing.T) {
		c := newClock()
		repo := factory(t, c.Now).Running

		root := Snapshot("root-1", "root-1", "", domain.NodeTypeDirectory, c.Now())
		require.NoError(t, repo.Create(ctx, root))
		assert.ErrorIs(t, repo.Create(ctx, root), store.ErrTaskExists)

		_, err := repo.FindByID(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
		assert.ErrorIs(t, repo.UpdateStatus(ctx, "nope", domain.TaskStatusRunning, "", nil), store.ErrTaskNotFound)
		assert.ErrorIs(t, repo.UpdateTaskMetadata(ctx, "nope", map[string]any{"a": 1}), store.ErrTaskNotFound)
	})

	t.Run("child may be inserted before its parent", func(t *testing.T) {
		c := newClock()
		repo := factory(t, c.Now).Running

		require.NoError(t, repo.Create(ctx, Snapshot("leaf-1", "root-1", "root-1", domain.NodeTypeLeaf, c.Now())))
		require.NoError(t, repo.Create(ctx, Snapshot("root-1", "root-1", "", domain.NodeTypeDirectory, c.Now())))
	})

	t.Run("find by root and roots by status", func(t *testing.T) {
		c := newClock()
		repo := factory(t, c.Now).Running

		createTree(t, ctx, repo, "alpha", c.Now())
		createTree(t, ctx, repo, "beta", c.Now().Add(time.Second))
		require.NoError(t, repo.UpdateStatus(ctx, "beta", domain.TaskStatusRunning, "", nil))
		require.NoError(t, repo.UpdateStatus(ctx, "alpha-a1", domain.TaskStatusRunning, "", nil))

		tree, err := repo.FindByRootTaskID(ctx, "alpha")
		require.NoError(t, err)
		require.Len(t, tree, 5)
		ids := make([]string, len(tree))
		for i, row := range tree {
			ids[i] = row.ID
		}
		assert.Equal(t, []string{"alpha", "alpha-a", "alpha-b", "alpha-a1", "alpha-b1"}, ids)

		running, err := repo.FindRootsByStatus(ctx, domain.TaskStatusRunning)
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, "beta", running[0].ID)

		all, err := repo.FindRootsByStatus(ctx, domain.NonTerminalStatuses()...)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		none, err := repo.FindRootsByStatus(ctx)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("update status stamps lifecycle times", func(t *testing.T) {
		c := newClock()
		repo := factory(t, c.Now).Running
		created := c.Now()
		require.NoError(t, repo.Create(ctx, Snapshot("leaf-1", "leaf-1", "", domain.NodeTypeLeaf, created)))

		c.Advance(time.Second)
		startedAt := c.Now()
		require.NoError(t, repo.UpdateStatus(ctx, "leaf-1", domain.TaskStatusRunning, "", nil))

		c.Advance(time.Second)
		failedAt := c.Now()
		details := map[string]any{"exit_code": float64(2)}
		require.NoError(t, repo.UpdateStatus(ctx, "leaf-1", domain.TaskStatusFailed, "boom", details))

		got, err := repo.FindByID(ctx, "leaf-1")
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusFailed, got.Status)
		assert.Equal(t, "boom", got.ErrorMessage)
		assert.Equal(t, details, got.ErrorDetails)
		require.NotNil(t, got.StartedAt)
		require.NotNil(t, got.CompletedAt)
		assertSameTime(t, startedAt, *got.StartedAt, "started_at")
		assertSameTime(t, failedAt, *got.CompletedAt, "completed_at")
		assertSameTime(t, failedAt, got.UpdatedAt, "updated_at")
		assertSameTime(t, created, got.CreatedAt, "created_at")

		// retry: running again keeps started_at, clears completion and error
		c.Advance(time.Second)
		require.NoError(t, repo.UpdateStatus(ctx, "leaf-1", domain.TaskStatusRunning, "", nil))
		got, err = repo.FindByID(ctx, "leaf-1")
		require.NoError(t, err)
		assertSameTime(t, startedAt, *got.StartedAt, "started_at after retry")
		assert.Nil(t, got.CompletedAt)
		assert.Empty(t, got.ErrorMessage)
		assert.Nil(t, got.ErrorDetails)

		assert.Error(t, repo.UpdateStatus(ctx, "leaf-1", domain.TaskStatus("bogus"), "", nil))
	})

	t.Run("update metadata replaces the document", func(t *testing.T) {
		c := newClock()
		repo := factory(t, c.Now).Running
		require.NoError(t, repo.Create(ctx, Snapshot("leaf-1", "leaf-1", "", domain.NodeTypeLeaf, c.Now())))

		require.NoError(t, repo.UpdateTaskMetadata(ctx, "leaf-1", map[string]any{"a": "1", "b": "2"}))
		require.NoError(t, repo.UpdateTaskMetadata(ctx, "leaf-1", map[string]any{"b": "3"}))

		got, err := repo.FindByID(ctx, "leaf-1")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"b": "3"}, got.Metadata)
	})
}

func testSharedContexts(t *testing.T, factory Factory) {
	ctx := context.Background()
	c := newClock()
	stores := factory(t, c.Now)

	err := stores.Contexts.SaveContext(ctx, "root-1", map[string]any{"a": "early"})
	assert.ErrorIs(t, err, store.ErrInvalidEntity, "saving before the root row exists must fail")

	_, err = stores.Contexts.FindContext(ctx, "root-1")
	assert.ErrorIs(t, err, store.ErrContextNotFound)

	require.NoError(t, stores.Running.Create(ctx, Snapshot("root-1", "root-1", "", domain.NodeTypeDirectory, c.Now())))
	require.NoError(t, stores.Contexts.SaveContext(ctx, "root-1", map[string]any{"a": "1"}))
	require.NoError(t, stores.Contexts.SaveContext(ctx, "root-1", map[string]any{"a": "2", "b": true}))

	data, err := stores.Contexts.FindContext(ctx, "root-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "2", "b": true}, data)

	require.NoError(t, stores.Contexts.SaveContext(ctx, "root-1", nil))
	data, err = stores.Contexts.FindContext(ctx, "root-1")
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.NotNil(t, data)

	require.NoError(t, stores.Contexts.DeleteContext(ctx, "root-1"))
	require.NoError(t, stores.Contexts.DeleteContext(ctx, "root-1"))
	_, err = stores.Contexts.FindContext(ctx, "root-1")
	assert.ErrorIs(t, err, store.ErrContextNotFound)
}

func testCompletedTasks(t *testing.T, factory Factory) {
	ctx := context.Background()
	c := newClock()
	repo := factory(t, c.Now).Completed

	first := c.Now()
	for _, id := range []string{"r1", "r1-c"} {
		parent := ""
		if id != "r1" {
			parent = "r1"
		}
		require.NoError(t, repo.Create(ctx, store.CompletedTask{
			TaskSnapshot: Snapshot(id, "r1", parent, domain.NodeTypeDirectory, first),
			TreeStatus:   domain.TaskStatusSuccess,
			ArchivedAt:   first,
		}))
	}
	second := first.Add(time.Hour)
	require.NoError(t, repo.Create(ctx, store.CompletedTask{
		TaskSnapshot:  Snapshot("r2", "r2", "", domain.NodeTypeLeaf, second),
		TreeStatus:    domain.TaskStatusRunning,
		ArchivedAt:    second,
		SharedContext: map[string]any{"k": "v"},
	}))

	err := repo.Create(ctx, store.CompletedTask{
		TaskSnapshot: Snapshot("r2", "r2", "", domain.NodeTypeLeaf, second),
		TreeStatus:   domain.TaskStatusFailed,
	})
	assert.ErrorIs(t, err, store.ErrTaskExists)

	got, err := repo.FindByID(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, got.TreeStatus, "non-terminal tree status archives as completed")
	assert.Equal(t, map[string]any{"k": "v"}, got.SharedContext)
	assertSameTime(t, second, got.ArchivedAt, "archived_at")

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	all, err := repo.FindMany(ctx, store.CompletedTaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r2", all[0].ID, "newest archive first")

	roots, err := repo.FindMany(ctx, store.CompletedTaskFilter{RootsOnly: true})
	require.NoError(t, err)
	assert.Len(t, roots, 2)

	tree, err := repo.FindMany(ctx, store.CompletedTaskFilter{RootTaskID: "r1"})
	require.NoError(t, err)
	assert.Len(t, tree, 2)

	success, err := repo.FindMany(ctx, store.CompletedTaskFilter{TreeStatus: domain.TaskStatusSuccess})
	require.NoError(t, err)
	assert.Len(t, success, 2)

	recent, err := repo.FindMany(ctx, store.CompletedTaskFilter{ArchivedAfter: first.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "r2", recent[0].ID)

	older, err := repo.FindMany(ctx, store.CompletedTaskFilter{ArchivedBefore: first.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, older, 2)

	page, err := repo.FindMany(ctx, store.CompletedTaskFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "r1", page[0].ID)

	skipped, err := repo.FindMany(ctx, store.CompletedTaskFilter{Offset: 2})
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, "r1-c", skipped[0].ID)
}

func testMigrateTaskTree(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("moves a five node tree with its context", func(t *testing.T) {
		c := newClock()
		stores := factory(t, c.Now)

		createTree(t, ctx, stores.Running, "root-1", c.Now())
		createTree(t, ctx, stores.Running, "other", c.Now())
		require.NoError(t, stores.Contexts.SaveContext(ctx, "root-1", map[string]any{"artifact": "out.tar"}))
		require.NoError(t, stores.Running.UpdateStatus(ctx, "root-1", domain.TaskStatusRunning, "", nil))
		require.NoError(t, stores.Running.UpdateStatus(ctx, "root-1", domain.TaskStatusSuccess, "", nil))

		c.Advance(time.Minute)
		result, err := stores.Migration.MigrateTaskTree(ctx, "root-1", domain.TaskStatusSuccess)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, 5, result.MigratedCount)
		assert.NotEmpty(t, result.Message)

		remaining, err := stores.Running.FindByRootTaskID(ctx, "root-1")
		require.NoError(t, err)
		assert.Empty(t, remaining)
		_, err = stores.Contexts.FindContext(ctx, "root-1")
		assert.ErrorIs(t, err, store.ErrContextNotFound)

		untouched, err := stores.Running.FindByRootTaskID(ctx, "other")
		require.NoError(t, err)
		assert.Len(t, untouched, 5)

		archived, err := stores.Completed.FindMany(ctx, store.CompletedTaskFilter{RootTaskID: "root-1"})
		require.NoError(t, err)
		require.Len(t, archived, 5)
		for _, row := range archived {
			assert.Equal(t, domain.TaskStatusSuccess, row.TreeStatus)
			assertSameTime(t, c.Now(), row.ArchivedAt, "archived_at")
			if row.ID == "root-1" {
				assert.Equal(t, map[string]any{"artifact": "out.tar"}, row.SharedContext)
				assert.Equal(t, domain.TaskStatusSuccess, row.Status)
			} else {
				assert.Nil(t, row.SharedContext)
			}
		}
	})

	t.Run("maps non-terminal tree status to completed", func(t *testing.T) {
		c := newClock()
		stores := factory(t, c.Now)
		createTree(t, ctx, stores.Running, "root-1", c.Now())

		result, err := stores.Migration.MigrateTaskTree(ctx, "root-1", domain.TaskStatusPaused)
		require.NoError(t, err)
		assert.Equal(t, 5, result.MigratedCount)

		root, err := stores.Completed.FindByID(ctx, "root-1")
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCompleted, root.TreeStatus)
		assert.Nil(t, root.SharedContext)
	})

	t.Run("unknown tree", func(t *testing.T) {
		c := newClock()
		stores := factory(t, c.Now)

		result, err := stores.Migration.MigrateTaskTree(ctx, "ghost", domain.TaskStatusSuccess)
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
		assert.False(t, result.Success)
	})
}

func testLocks(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("expired lock is replaced", func(t *testing.T) {
		c := newClock()
		locks := factory(t, c.Now).Locks

		lock, err := locks.AcquireLock(ctx, "wf-42", "p1", c.Now().Add(5*time.Second),
			store.LockTypeWorkflow, map[string]any{"host": "a"})
		require.NoError(t, err)
		assert.Equal(t, "p1", lock.Owner)

		c.Advance(2 * time.Second)
		_, err = locks.AcquireLock(ctx, "wf-42", "p2", c.Now().Add(5*time.Second), store.LockTypeWorkflow, nil)
		assert.ErrorIs(t, err, store.ErrLockHeld)

		held, err := locks.CheckLock(ctx, "wf-42")
		require.NoError(t, err)
		assert.True(t, held)

		c.Advance(4 * time.Second)
		held, err = locks.CheckLock(ctx, "wf-42")
		require.NoError(t, err)
		assert.False(t, held)

		lock, err = locks.AcquireLock(ctx, "wf-42", "p3", c.Now().Add(5*time.Second), store.LockTypeWorkflow, nil)
		require.NoError(t, err)
		assert.Equal(t, "p3", lock.Owner)

		found, err := locks.FindLock(ctx, "wf-42")
		require.NoError(t, err)
		assert.Equal(t, "p3", found.Owner)
		assert.Equal(t, store.LockTypeWorkflow, found.LockType)
		assert.Nil(t, found.LockData, "the stale lock's data is gone")
		assertSameTime(t, c.Now().Add(5*time.Second), found.ExpiresAt, "expires_at")
	})

	t.Run("same owner cannot acquire twice", func(t *testing.T) {
		c := newClock()
		locks := factory(t, c.Now).Locks

		_, err := locks.AcquireLock(ctx, "inst-1", "p1", c.Now().Add(time.Minute), store.LockTypeInstance, nil)
		require.NoError(t, err)
		_, err = locks.AcquireLock(ctx, "inst-1", "p1", c.Now().Add(time.Minute), store.LockTypeInstance, nil)
		assert.ErrorIs(t, err, store.ErrLockHeld)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		c := newClock()
		locks := factory(t, c.Now).Locks

		_, err := locks.AcquireLock(ctx, "", "p1", c.Now().Add(time.Minute), store.LockTypeWorkflow, nil)
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
		_, err = locks.AcquireLock(ctx, "k", "p1", c.Now().Add(time.Minute), store.LockType("global"), nil)
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
	})

	t.Run("release and renew check ownership", func(t *testing.T) {
		c := newClock()
		locks := factory(t, c.Now).Locks

		_, err := locks.AcquireLock(ctx, "wf-1", "p1", c.Now().Add(time.Second), store.LockTypeWorkflow, nil)
		require.NoError(t, err)

		assert.ErrorIs(t, locks.ReleaseLock(ctx, "wf-1", "p2"), store.ErrLockNotOwned)
		assert.ErrorIs(t, locks.RenewLock(ctx, "wf-1", "p2", c.Now().Add(time.Hour)), store.ErrLockNotOwned)
		assert.ErrorIs(t, locks.ReleaseLock(ctx, "missing", "p1"), store.ErrLockNotFound)
		assert.ErrorIs(t, locks.RenewLock(ctx, "missing", "p1", c.Now()), store.ErrLockNotFound)

		require.NoError(t, locks.RenewLock(ctx, "wf-1", "p1", c.Now().Add(time.Hour)))
		c.Advance(time.Minute)
		held, err := locks.CheckLock(ctx, "wf-1")
		require.NoError(t, err)
		assert.True(t, held, "renewed lease outlives its original expiry")

		require.NoError(t, locks.ReleaseLock(ctx, "wf-1", "p1"))
		_, err = locks.FindLock(ctx, "wf-1")
		assert.ErrorIs(t, err, store.ErrLockNotFound)
	})

	t.Run("force release and cleanup", func(t *testing.T) {
		c := newClock()
		locks := factory(t, c.Now).Locks

		for i, key := range []string{"a", "b", "c"} {
			ttl := time.Duration(i+1) * time.Minute
			_, err := locks.AcquireLock(ctx, key, "p1", c.Now().Add(ttl), store.LockTypeInstance, nil)
			require.NoError(t, err)
		}

		require.NoError(t, locks.ForceReleaseLock(ctx, "c"))
		require.NoError(t, locks.ForceReleaseLock(ctx, "c"))

		c.Advance(90 * time.Second)
		n, err := locks.CleanupExpiredLocks(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = locks.FindLock(ctx, "a")
		assert.ErrorIs(t, err, store.ErrLockNotFound)
		_, err = locks.FindLock(ctx, "b")
		assert.NoError(t, err)

		n, err = locks.CleanupExpiredLocks(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
