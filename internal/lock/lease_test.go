package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/tasktree/internal/mocks"
	"github.com/phrazzld/tasktree/internal/store"
)

func TestLease_KeepAliveRenewsUntilReleased(t *testing.T) {
	ctx := context.Background()
	db := mocks.NewMemoryDB()
	m := NewManager(db.Stores().Locks, "p1", testLogger(), WithTTL(30*time.Millisecond))

	lease, acquired, err := m.TryAcquire(ctx, "wf-1", store.LockTypeWorkflow, nil)
	require.NoError(t, err)
	require.True(t, acquired)
	first := lease.ExpiresAt()

	done := lease.KeepAlive(ctx)
	require.Eventually(t, func() bool {
		return len(db.Writes(mocks.OpRenewLock)) >= 3
	}, time.Second, 5*time.Millisecond)
	assert.True(t, lease.ExpiresAt().After(first))

	held, err := m.Check(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, held, "lease outlives its original ttl")

	require.NoError(t, lease.Release(ctx))
	select {
	case err, ok := <-done:
		if ok {
			assert.NoError(t, err)
		}
	case <-time.After(time.Second):
		t.Fatal("keep alive did not stop after release")
	}

	held, err = m.Check(ctx, "wf-1")
	require.NoError(t, err)
	assert.False(t, held)
	assert.NoError(t, lease.Release(ctx), "second release is a no-op")
	assert.Error(t, lease.Renew(ctx))
}

func TestLease_KeepAliveReportsLostLock(t *testing.T) {
	ctx := context.Background()
	db := mocks.NewMemoryDB()
	m := NewManager(db.Stores().Locks, "p1", testLogger(), WithTTL(30*time.Millisecond))

	lease, _, err := m.TryAcquire(ctx, "wf-1", store.LockTypeWorkflow, nil)
	require.NoError(t, err)
	require.NoError(t, m.ForceRelease(ctx, "wf-1"))

	select {
	case err := <-lease.KeepAlive(ctx):
		assert.ErrorIs(t, err, store.ErrLockNotFound)
	case <-time.After(time.Second):
		t.Fatal("keep alive did not report the lost lock")
	}
}

func TestLease_KeepAliveStopsWithContext(t *testing.T) {
	db := mocks.NewMemoryDB()
	var renewals atomic.Int32
	db.Intercept = func(op mocks.Op, _ string) error {
		if op == mocks.OpRenewLock {
			renewals.Add(1)
		}
		return nil
	}
	m := NewManager(db.Stores().Locks, "p1", testLogger(), WithTTL(time.Hour))

	lease, _, err := m.TryAcquire(context.Background(), "wf-1", store.LockTypeWorkflow, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := lease.KeepAlive(ctx)
	cancel()

	_, ok := <-done
	assert.False(t, ok)
	assert.Zero(t, renewals.Load())
}

func TestLease_ReleaseError(t *testing.T) {
	ctx := context.Background()
	db := mocks.NewMemoryDB()
	m := NewManager(db.Stores().Locks, "p1", testLogger())
	lease, _, err := m.TryAcquire(ctx, "wf-1", store.LockTypeWorkflow, nil)
	require.NoError(t, err)

	db.Intercept = func(op mocks.Op, _ string) error {
		if op == mocks.OpReleaseLock {
			return errors.New("timeout")
		}
		return nil
	}

	assert.Error(t, lease.Release(ctx))
	assert.True(t, lease.Released())
}
