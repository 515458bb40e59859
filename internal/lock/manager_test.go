package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/tasktree/internal/mocks"
	"github.com/phrazzld/tasktree/internal/platform/sqlite"
	"github.com/phrazzld/tasktree/internal/store"
	"github.com/phrazzld/tasktree/internal/testdb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemoryLocks(clock *testdb.Clock) (*mocks.MemoryDB, store.ExecutionLockRepository) {
	db := mocks.NewMemoryDB()
	db.Now = clock.Now
	return db, db.Stores().Locks
}

func TestManager_LockLifecycleAcrossOwners(t *testing.T) {
	ctx := context.Background()
	clock := testdb.NewClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	_, repo := newMemoryLocks(clock)

	p1 := NewManager(repo, "p1", testLogger(), WithTTL(5*time.Second), WithClock(clock.Now))
	p2 := NewManager(repo, "p2", testLogger(), WithTTL(5*time.Second), WithClock(clock.Now))
	p3 := NewManager(repo, "p3", testLogger(), WithTTL(5*time.Second), WithClock(clock.Now))

	lease, acquired, err := p1.TryAcquire(ctx, "wf-42", store.LockTypeWorkflow, map[string]any{"run": 1})
	require.NoError(t, err)
	require.True(t, acquired)
	assert.Equal(t, clock.Now().Add(5*time.Second), lease.ExpiresAt())

	clock.Advance(4 * time.Second)
	_, acquired, err = p2.TryAcquire(ctx, "wf-42", store.LockTypeWorkflow, nil)
	require.NoError(t, err, "contention is not an error")
	assert.False(t, acquired)

	clock.Advance(2 * time.Second)
	_, acquired, err = p3.TryAcquire(ctx, "wf-42", store.LockTypeWorkflow, nil)
	require.NoError(t, err)
	assert.True(t, acquired)

	row, err := repo.FindLock(ctx, "wf-42")
	require.NoError(t, err)
	assert.Equal(t, "p3", row.Owner)
	assert.Nil(t, row.LockData)

	assert.ErrorIs(t, lease.Release(ctx), store.ErrLockNotOwned)
}

func TestManager_TryAcquireValidates(t *testing.T) {
	_, repo := newMemoryLocks(testdb.NewClock(time.Now()))
	m := NewManager(repo, "p1", testLogger())

	_, _, err := m.TryAcquire(context.Background(), "", store.LockTypeWorkflow, nil)
	assert.ErrorIs(t, err, store.ErrInvalidEntity)

	_, _, err = m.TryAcquire(context.Background(), "k", store.LockType("global"), nil)
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}

func TestManager_TryAcquirePropagatesBackendErrors(t *testing.T) {
	db := mocks.NewMemoryDB()
	db.Intercept = func(op mocks.Op, _ string) error {
		if op == mocks.OpAcquireLock {
			return errors.New("connection refused")
		}
		return nil
	}
	m := NewManager(db.Stores().Locks, "p1", testLogger())

	_, acquired, err := m.TryAcquire(context.Background(), "k", store.LockTypeInstance, nil)

	require.Error(t, err)
	assert.False(t, acquired)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestManager_AcquireRetriesUntilExpiry(t *testing.T) {
	ctx := context.Background()
	clock := testdb.NewClock(time.Now())
	db, repo := newMemoryLocks(clock)

	holder := NewManager(repo, "holder", testLogger(), WithTTL(time.Second), WithClock(clock.Now))
	_, acquired, err := holder.TryAcquire(ctx, "wf-1", store.LockTypeWorkflow, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	var attempts atomic.Int32
	db.Intercept = func(op mocks.Op, _ string) error {
		if op == mocks.OpAcquireLock && attempts.Add(1) == 3 {
			clock.Advance(2 * time.Second)
		}
		return nil
	}

	waiter := NewManager(repo, "waiter", testLogger(),
		WithTTL(time.Second), WithClock(clock.Now), WithRetry(5, time.Millisecond))
	lease, err := waiter.Acquire(ctx, "wf-1", store.LockTypeWorkflow, nil)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", lease.Key())
	assert.Equal(t, int32(3), attempts.Load())
}

func TestManager_AcquireGivesUp(t *testing.T) {
	ctx := context.Background()
	clock := testdb.NewClock(time.Now())
	_, repo := newMemoryLocks(clock)

	holder := NewManager(repo, "holder", testLogger(), WithClock(clock.Now))
	_, _, err := holder.TryAcquire(ctx, "wf-1", store.LockTypeWorkflow, nil)
	require.NoError(t, err)

	waiter := NewManager(repo, "waiter", testLogger(), WithClock(clock.Now), WithRetry(3, time.Millisecond))
	_, err = waiter.Acquire(ctx, "wf-1", store.LockTypeWorkflow, nil)

	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.ErrorIs(t, err, store.ErrLockHeld)
}

func TestManager_AcquireHonoursContext(t *testing.T) {
	clock := testdb.NewClock(time.Now())
	_, repo := newMemoryLocks(clock)

	holder := NewManager(repo, "holder", testLogger(), WithClock(clock.Now))
	_, _, err := holder.TryAcquire(context.Background(), "wf-1", store.LockTypeWorkflow, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	waiter := NewManager(repo, "waiter", testLogger(), WithClock(clock.Now), WithRetry(1000, 5*time.Millisecond))
	_, err = waiter.Acquire(ctx, "wf-1", store.LockTypeWorkflow, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_GeneratesOwner(t *testing.T) {
	_, repo := newMemoryLocks(testdb.NewClock(time.Now()))

	a := NewManager(repo, "", testLogger())
	b := NewManager(repo, "", testLogger())

	assert.NotEmpty(t, a.Owner())
	assert.NotEqual(t, a.Owner(), b.Owner())
	assert.Equal(t, DefaultTTL, a.TTL())
}

func TestManager_CheckAndForceRelease(t *testing.T) {
	ctx := context.Background()
	clock := testdb.NewClock(time.Now())
	_, repo := newMemoryLocks(clock)
	m := NewManager(repo, "p1", testLogger(), WithClock(clock.Now))

	held, err := m.Check(ctx, "wf-1")
	require.NoError(t, err)
	assert.False(t, held)

	_, _, err = m.TryAcquire(ctx, "wf-1", store.LockTypeWorkflow, nil)
	require.NoError(t, err)
	held, err = m.Check(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, m.ForceRelease(ctx, "wf-1"))
	held, err = m.Check(ctx, "wf-1")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestManager_AgainstSQLite(t *testing.T) {
	ctx := context.Background()
	clock := testdb.NewClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	db := testdb.OpenSQLite(t)
	repo := sqlite.NewLockStore(db, testLogger(), sqlite.WithClock(clock.Now))

	p1 := NewManager(repo, "p1", testLogger(), WithTTL(5*time.Second), WithClock(clock.Now))
	p2 := NewManager(repo, "p2", testLogger(), WithTTL(5*time.Second), WithClock(clock.Now))

	lease, acquired, err := p1.TryAcquire(ctx, "wf-42", store.LockTypeWorkflow, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = p2.TryAcquire(ctx, "wf-42", store.LockTypeWorkflow, nil)
	require.NoError(t, err)
	assert.False(t, acquired)

	clock.Advance(3 * time.Second)
	require.NoError(t, lease.Renew(ctx))
	clock.Advance(3 * time.Second)

	_, acquired, err = p2.TryAcquire(ctx, "wf-42", store.LockTypeWorkflow, nil)
	require.NoError(t, err)
	assert.False(t, acquired, "renewed lease is still valid")

	require.NoError(t, lease.Release(ctx))
	_, acquired, err = p2.TryAcquire(ctx, "wf-42", store.LockTypeWorkflow, nil)
	require.NoError(t, err)
	assert.True(t, acquired)
}
