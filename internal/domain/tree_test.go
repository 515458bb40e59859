package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotsOf(root *TaskNode) []TaskSnapshot {
	var out []TaskSnapshot
	root.Walk(func(n *TaskNode) bool {
		out = append(out, n.Snapshot())
		return true
	})
	return out
}

func TestBuildTree(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		root := newDir(t, nil, nil)
		require.NoError(t, root.Start())
		sub := newDir(t, root, nil)
		require.NoError(t, sub.Start())
		newLeaf(t, sub, nil)
		newLeaf(t, root, nil)
		require.NoError(t, sub.Complete())

		snaps := snapshotsOf(root)
		// reverse to make sure ordering does not depend on input order
		for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
			snaps[i], snaps[j] = snaps[j], snaps[i]
		}

		rebuilt, index, err := BuildTree(snaps, nil)
		require.NoError(t, err)
		assert.Equal(t, root.ID(), rebuilt.ID())
		assert.Len(t, index, 4)
		assert.Equal(t, 4, rebuilt.Count())
		// completed directory keeps its children
		assert.Len(t, index[sub.ID()].Children(), 1)
	})

	t.Run("missing root", func(t *testing.T) {
		_, _, err := BuildTree(nil, nil)
		assert.ErrorIs(t, err, ErrMissingRoot)

		_, _, err = BuildTree([]TaskSnapshot{{
			ID: "c", ParentID: "r", RootTaskID: "r", Name: "c", Type: NodeTypeLeaf, Status: TaskStatusPending,
		}}, nil)
		assert.ErrorIs(t, err, ErrMissingRoot)
	})

	t.Run("orphan", func(t *testing.T) {
		now := time.Now()
		_, _, err := BuildTree([]TaskSnapshot{
			{ID: "r", RootTaskID: "r", Name: "r", Type: NodeTypeDirectory, Status: TaskStatusRunning, CreatedAt: now},
			{ID: "c", ParentID: "ghost", RootTaskID: "r", Name: "c", Type: NodeTypeLeaf, Status: TaskStatusPending, CreatedAt: now},
		}, nil)
		assert.ErrorIs(t, err, ErrOrphanNode)
	})

	t.Run("two roots", func(t *testing.T) {
		_, _, err := BuildTree([]TaskSnapshot{
			{ID: "r1", Name: "r", Type: NodeTypeDirectory, Status: TaskStatusRunning},
			{ID: "r2", Name: "r", Type: NodeTypeDirectory, Status: TaskStatusRunning},
		}, nil)
		assert.ErrorIs(t, err, ErrMultipleRoots)
	})
}
