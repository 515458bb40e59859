package subscriber

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/events"
	"github.com/phrazzld/tasktree/internal/mocks"
)

func metadataEvent(taskID string, step int) events.MetadataChangeEvent {
	return events.MetadataChangeEvent{
		TaskID:        taskID,
		RootTaskID:    taskID,
		Reason:        "progress",
		ChangedFields: []string{"step"},
		NewMetadata:   map[string]any{"step": step},
		Timestamp:     time.Now(),
	}
}

func TestMetadataSync_CoalescesWhileWriteInFlight(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	seedTask(t, db, "t1", "t1", "")
	hold := newHoldFirst(mocks.OpUpdateMetadata, "t1")
	db.Intercept = hold.intercept

	s := NewMetadataSync(db.Stores().Running, nil, testLogger())

	require.NoError(t, s.HandleEvent(ctx, metadataEvent("t1", 0)))
	<-hold.started

	require.NoError(t, s.HandleEvent(ctx, metadataEvent("t1", 1)))
	require.NoError(t, s.HandleEvent(ctx, metadataEvent("t1", 2)))
	require.NoError(t, s.HandleEvent(ctx, metadataEvent("t1", 3)))
	close(hold.release)

	require.NoError(t, s.Drain(ctx, "t1"))

	writes := db.Writes(mocks.OpUpdateMetadata)
	require.Len(t, writes, 2)
	assert.Equal(t, map[string]any{"step": 0}, writes[0].Value)
	assert.Equal(t, map[string]any{"step": 3}, writes[1].Value)

	row, ok := db.RunningTask("t1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"step": 3}, row.Metadata)

	stats := s.Stats()
	assert.Equal(t, uint64(4), stats.Submitted)
	assert.Equal(t, uint64(2), stats.Persisted)
	assert.Zero(t, stats.Active)
}

func TestMetadataSync_ForgetDropsStagedWrite(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	seedTask(t, db, "t1", "t1", "")
	hold := newHoldFirst(mocks.OpUpdateMetadata, "t1")
	db.Intercept = hold.intercept

	s := NewMetadataSync(db.Stores().Running, nil, testLogger())
	require.NoError(t, s.HandleEvent(ctx, metadataEvent("t1", 0)))
	<-hold.started
	require.NoError(t, s.HandleEvent(ctx, metadataEvent("t1", 1)))

	s.Forget("t1")
	close(hold.release)
	require.NoError(t, s.Drain(ctx, "t1"))

	assert.Len(t, db.Writes(mocks.OpUpdateMetadata), 1)
}

func TestStatusSync_WaitsForInsert(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	gate := NewPersistGate(nil)
	gate.Expect("t1")

	s := NewStatusSync(db.Stores().Running, gate, testLogger())
	require.NoError(t, s.HandleEvent(ctx, events.StatusChangeEvent{
		TaskID:    "t1",
		OldStatus: string(domain.TaskStatusPending),
		NewStatus: string(domain.TaskStatusRunning),
	}))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, db.Writes(mocks.OpUpdateStatus))

	seedTask(t, db, "t1", "t1", "")
	gate.Resolve("t1", nil)
	require.NoError(t, s.Drain(ctx, "t1"))

	writes := db.Writes(mocks.OpUpdateStatus)
	require.Len(t, writes, 1)
	assert.Equal(t, domain.TaskStatusRunning, writes[0].Value)
}

func TestStatusSync_CarriesErrorFields(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	seedTask(t, db, "t1", "t1", "")

	s := NewStatusSync(db.Stores().Running, nil, testLogger())
	require.NoError(t, s.HandleEvent(ctx, events.StatusChangeEvent{
		TaskID:       "t1",
		NewStatus:    string(domain.TaskStatusFailed),
		ErrorMessage: "exit status 2",
		ErrorDetails: map[string]any{"code": 2},
	}))
	require.NoError(t, s.Drain(ctx, "t1"))

	row, _ := db.RunningTask("t1")
	assert.Equal(t, domain.TaskStatusFailed, row.Status)
	assert.Equal(t, "exit status 2", row.ErrorMessage)
	assert.Equal(t, map[string]any{"code": 2}, row.ErrorDetails)
	assert.NotNil(t, row.CompletedAt)
}

func TestStatusSync_RejectsUnknownStatus(t *testing.T) {
	s := NewStatusSync(mocks.NewMemoryDB().Stores().Running, nil, testLogger())

	err := s.HandleEvent(testContext(t), events.StatusChangeEvent{TaskID: "t1", NewStatus: "exploded"})

	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestStatusSync_FailedInsertDropsWrite(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	gate := NewPersistGate(nil)
	gate.Expect("t1")
	gate.Resolve("t1", errors.New("insert failed"))

	s := NewStatusSync(db.Stores().Running, gate, testLogger())
	require.NoError(t, s.HandleEvent(ctx, events.StatusChangeEvent{TaskID: "t1", NewStatus: "running"}))
	require.NoError(t, s.Drain(ctx, "t1"))

	assert.Empty(t, db.Writes(mocks.OpUpdateStatus))
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestContextSync_SavesCurrentSnapshot(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	seedTask(t, db, "root", "root", "")
	source := &staticContexts{}
	source.set("root", map[string]any{"a": 1, "b": 2})

	s := NewContextSync(db.Stores().Contexts, source, nil, testLogger())
	require.NoError(t, s.HandleEvent(ctx, events.ContextChangeEvent{RootTaskID: "root", Key: "a"}))
	require.NoError(t, s.Drain(ctx, "root"))

	saved, ok := db.SavedContext("root")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, saved)
}

func TestContextSync_SkipsUnregisteredContext(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	seedTask(t, db, "root", "root", "")

	s := NewContextSync(db.Stores().Contexts, &staticContexts{}, nil, testLogger())
	require.NoError(t, s.HandleEvent(ctx, events.ContextChangeEvent{RootTaskID: "root"}))
	require.NoError(t, s.Drain(ctx, "root"))

	assert.Empty(t, db.Writes(mocks.OpSaveContext))
	assert.Zero(t, s.Stats().Failed)
}

func TestContextSync_DefersUntilRootInserted(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	gate := NewPersistGate(nil)
	gate.Expect("root")
	source := &staticContexts{}
	source.set("root", map[string]any{"a": 1})

	s := NewContextSync(db.Stores().Contexts, source, gate, testLogger())
	require.NoError(t, s.HandleEvent(ctx, events.ContextChangeEvent{RootTaskID: "root", Key: "a"}))
	require.NoError(t, s.Drain(ctx, "root"))

	assert.True(t, s.Parked("root"))
	assert.Empty(t, db.Writes(mocks.OpSaveContext))

	source.set("root", map[string]any{"a": 2})
	seedTask(t, db, "root", "root", "")
	gate.Resolve("root", nil)
	require.NoError(t, s.Drain(ctx, "root"))

	assert.False(t, s.Parked("root"))
	saved, ok := db.SavedContext("root")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": 2}, saved)
}

func TestNodeCreationSync_InsertsCurrentSnapshot(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	trees := newLiveTrees()
	gate := NewPersistGate(nil)
	s := NewNodeCreationSync(db.Stores().Running, trees, gate, testLogger())

	root, err := domain.NewTaskNode(domain.NodeParams{ID: "root", Name: "root", Type: domain.NodeTypeDirectory}, nil, gate)
	require.NoError(t, err)
	trees.add(root)
	require.NoError(t, root.Start())
	require.True(t, gate.Pending("root"))

	require.NoError(t, s.HandleEvent(ctx, events.NodeCreatedEvent{TaskID: "root", RootTaskID: "root"}))
	require.NoError(t, s.Drain(ctx, "root"))

	row, ok := db.RunningTask("root")
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusRunning, row.Status)
	assert.False(t, gate.Pending("root"))
}

func TestNodeCreationSync_RetryFailed(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	var failing atomic.Bool
	failing.Store(true)
	db.Intercept = func(op mocks.Op, key string) error {
		if op == mocks.OpCreateTask && failing.Load() {
			return errors.New("connection reset")
		}
		return nil
	}
	trees := newLiveTrees()
	gate := NewPersistGate(nil)
	s := NewNodeCreationSync(db.Stores().Running, trees, gate, testLogger())

	root, err := domain.NewTaskNode(domain.NodeParams{ID: "root", Name: "root", Type: domain.NodeTypeDirectory}, nil, gate)
	require.NoError(t, err)
	trees.add(root)

	require.NoError(t, s.HandleEvent(ctx, events.NodeCreatedEvent{TaskID: "root", RootTaskID: "root"}))
	require.NoError(t, s.Drain(ctx, "root"))

	assert.Equal(t, []string{"root"}, s.Failed())
	assert.ErrorIs(t, gate.Wait(ctx, "root"), ErrNotPersisted)

	failing.Store(false)
	n, err := s.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Empty(t, s.Failed())
	_, ok := db.RunningTask("root")
	assert.True(t, ok)
	assert.NoError(t, gate.Wait(ctx, "root"))
}

func TestNodeCreationSync_DuplicateCountsAsInserted(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	trees := newLiveTrees()
	gate := NewPersistGate(nil)
	s := NewNodeCreationSync(db.Stores().Running, trees, gate, testLogger())

	root, err := domain.NewTaskNode(domain.NodeParams{ID: "root", Name: "root", Type: domain.NodeTypeDirectory}, nil, gate)
	require.NoError(t, err)
	trees.add(root)
	db.Seed(root.Snapshot())

	require.NoError(t, s.HandleEvent(ctx, events.NodeCreatedEvent{TaskID: "root", RootTaskID: "root"}))
	require.NoError(t, s.Drain(ctx, "root"))

	assert.Empty(t, s.Failed())
	assert.False(t, gate.Pending("root"))
}

func TestNodeCreationSync_SkipsRemovedNode(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	gate := NewPersistGate(nil)
	gate.Expect("gone")
	s := NewNodeCreationSync(db.Stores().Running, newLiveTrees(), gate, testLogger())

	require.NoError(t, s.HandleEvent(ctx, events.NodeCreatedEvent{TaskID: "gone", RootTaskID: "gone"}))
	require.NoError(t, s.Drain(ctx, "gone"))

	assert.Zero(t, db.RunningCount())
	assert.False(t, gate.Pending("gone"))
}

func TestContextSync_SavesFreshContextOnRootInsert(t *testing.T) {
	ctx := testContext(t)
	db := mocks.NewMemoryDB()
	gate := NewPersistGate(nil)
	gate.Expect("root")
	gate.Expect("child")
	source := &staticContexts{}
	source.set("root", map[string]any{"owner": "ops"})

	s := NewContextSync(db.Stores().Contexts, source, gate, testLogger())

	seedTask(t, db, "child", "root", "root")
	gate.Resolve("child", nil)
	require.NoError(t, s.Drain(ctx, "child"))
	assert.Empty(t, db.Writes(mocks.OpSaveContext))

	seedTask(t, db, "root", "root", "")
	gate.Resolve("root", nil)
	require.NoError(t, s.Drain(ctx, "root"))

	saved, ok := db.SavedContext("root")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"owner": "ops"}, saved)
}
