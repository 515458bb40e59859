package domain

import (
	"errors"
	"fmt"
	"sort"

	"github.com/phrazzld/tasktree/internal/events"
)

// Tree reconstruction errors
var (
	ErrMissingRoot   = errors.New("tree has no root row")
	ErrMultipleRoots = errors.New("tree has more than one root row")
	ErrOrphanNode    = errors.New("node references a parent outside the tree")
)

// BuildTree restores a whole tree from its persisted snapshots. Siblings are
// attached in creation order. It returns the root and an index of every node
// by ID.
func BuildTree(snaps []TaskSnapshot, publisher events.Publisher) (*TaskNode, map[string]*TaskNode, error) {
	if len(snaps) == 0 {
		return nil, nil, ErrMissingRoot
	}

	ordered := make([]TaskSnapshot, len(snaps))
	copy(ordered, snaps)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	index := make(map[string]*TaskNode, len(ordered))
	var root *TaskNode
	for _, snap := range ordered {
		node, err := RestoreTaskNode(snap, publisher)
		if err != nil {
			return nil, nil, fmt.Errorf("restoring task %s: %w", snap.ID, err)
		}
		if _, dup := index[node.id]; dup {
			return nil, nil, fmt.Errorf("restoring task %s: duplicate row", snap.ID)
		}
		index[node.id] = node
		if node.IsRoot() {
			if root != nil {
				return nil, nil, fmt.Errorf("%w: %s and %s", ErrMultipleRoots, root.id, node.id)
			}
			root = node
		}
	}
	if root == nil {
		return nil, nil, ErrMissingRoot
	}

	for _, snap := range ordered {
		if snap.ParentID == "" {
			continue
		}
		parent, ok := index[snap.ParentID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: task %s parent %s", ErrOrphanNode, snap.ID, snap.ParentID)
		}
		node := index[snap.ID]
		if node.rootTaskID != root.id {
			return nil, nil, fmt.Errorf("%w: task %s claims root %s", ErrOrphanNode, node.id, node.rootTaskID)
		}
		parent.attachRestored(node)
	}

	// A parent cycle leaves nodes unreachable from the root.
	if reachable := root.Count(); reachable != len(index) {
		return nil, nil, fmt.Errorf("%w: %d of %d nodes unreachable from root %s",
			ErrOrphanNode, len(index)-reachable, len(index), root.id)
	}
	return root, index, nil
}
