package subscriber

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/tasktree/internal/events"
)

type countingPublisher struct{ n int }

func (c *countingPublisher) Publish(events.Event) error {
	c.n++
	return nil
}

func TestPersistGate_RegistersCreatedNodesBeforeForwarding(t *testing.T) {
	next := &countingPublisher{}
	gate := NewPersistGate(next)

	require.NoError(t, gate.Publish(events.NodeCreatedEvent{TaskID: "t1", RootTaskID: "t1"}))
	require.NoError(t, gate.Publish(events.StatusChangeEvent{TaskID: "t1"}))

	assert.True(t, gate.Pending("t1"))
	assert.Equal(t, 2, next.n)
}

func TestPersistGate_UnknownTasksPass(t *testing.T) {
	gate := NewPersistGate(nil)

	assert.NoError(t, gate.Wait(context.Background(), "recovered"))
}

func TestPersistGate_WaitReleasedOnSuccess(t *testing.T) {
	gate := NewPersistGate(nil)
	gate.Expect("t1")

	var persisted []string
	gate.OnPersisted(func(id string) { persisted = append(persisted, id) })

	done := make(chan error, 1)
	go func() { done <- gate.Wait(context.Background(), "t1") }()

	select {
	case <-done:
		t.Fatal("wait returned before the insert resolved")
	case <-time.After(20 * time.Millisecond):
	}

	gate.Resolve("t1", nil)
	require.NoError(t, <-done)
	assert.False(t, gate.Pending("t1"))
	assert.Equal(t, []string{"t1"}, persisted)
}

func TestPersistGate_FailureThenRetry(t *testing.T) {
	gate := NewPersistGate(nil)
	gate.Expect("t1")
	gate.Resolve("t1", errors.New("disk full"))

	err := gate.Wait(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrNotPersisted)
	assert.True(t, gate.Pending("t1"))

	gate.Expect("t1")
	gate.Resolve("t1", nil)
	assert.NoError(t, gate.Wait(context.Background(), "t1"))
}

func TestPersistGate_WaitHonoursContext(t *testing.T) {
	gate := NewPersistGate(nil)
	gate.Expect("t1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, gate.Wait(ctx, "t1"), context.DeadlineExceeded)
}

func TestPersistGate_ForgetReleasesWaiters(t *testing.T) {
	gate := NewPersistGate(nil)
	gate.Expect("t1")

	done := make(chan error, 1)
	go func() { done <- gate.Wait(context.Background(), "t1") }()
	time.Sleep(10 * time.Millisecond)

	gate.Forget("t1")

	assert.ErrorIs(t, <-done, ErrNotPersisted)
	assert.Zero(t, gate.Len())
}

func TestBarrier(t *testing.T) {
	b := NewBarrier(2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	b.Arrive("root")
	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer waitCancel()
	assert.ErrorIs(t, b.Wait(waitCtx, "root"), context.DeadlineExceeded)

	b.Arrive("root")
	assert.NoError(t, b.Wait(ctx, "root"))

	b.Forget("root")
	b.Arrive("root")
	waitCtx2, waitCancel2 := context.WithTimeout(ctx, 10*time.Millisecond)
	defer waitCancel2()
	assert.Error(t, b.Wait(waitCtx2, "root"))

	var nilBarrier *Barrier
	nilBarrier.Arrive("root")
	assert.NoError(t, nilBarrier.Wait(ctx, "root"))
}

func TestBarrier_ForgetReleasesKeyAfterLastArrival(t *testing.T) {
	b := NewBarrier(2)

	b.Arrive("root#1")
	b.Forget("root#1")
	assert.Equal(t, 1, b.Len())
	b.Arrive("root#1")
	assert.Zero(t, b.Len())

	b.Forget("root#2")
	b.Arrive("root#2")
	b.Arrive("root#2")
	assert.Zero(t, b.Len())

	b.Arrive("root#3")
	b.Arrive("root#3")
	b.Forget("root#3")
	assert.Zero(t, b.Len())
}

func TestPersistGate_ForgetUnresolved(t *testing.T) {
	gate := NewPersistGate(nil)
	gate.Expect("landed")
	gate.Expect("failed")
	gate.Expect("lost")
	gate.Resolve("landed", nil)
	gate.Resolve("failed", errors.New("duplicate key"))

	done := make(chan error, 1)
	go func() { done <- gate.Wait(context.Background(), "lost") }()

	assert.Equal(t, []string{"lost"}, gate.ForgetUnresolved())
	assert.ErrorIs(t, <-done, ErrNotPersisted)
	assert.True(t, gate.Pending("failed"))
	assert.False(t, gate.Pending("lost"))
}
