package domain

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tasktree/internal/events"
)

// NodeType distinguishes directory nodes, which only group children, from leaf
// nodes, which are run by an executor.
type NodeType string

// Node types
const (
	NodeTypeDirectory NodeType = "directory"
	NodeTypeLeaf      NodeType = "leaf"
)

// IsValid reports whether t is a known node type.
func (t NodeType) IsValid() bool {
	return t == NodeTypeDirectory || t == NodeTypeLeaf
}

// Well-known metadata keys written by the engine itself.
const (
	MetaProgress     = "progress"
	MetaRetryCount   = "retryCount"
	MetaRetryHistory = "retryHistory"
	MetaCancelled    = "cancelled"
	MetaCancelReason = "cancelReason"
	MetaCancelledAt  = "cancelledAt"
)

// NodeParams describes a node to create.
type NodeParams struct {
	// ID is optional; a UUID is generated when empty.
	ID       string
	Name     string
	Type     NodeType
	Executor *ExecutorConfig
	Metadata map[string]any
}

// TaskSnapshot is a point-in-time copy of a TaskNode. It is the shape in which
// nodes are persisted and from which they are restored.
type TaskSnapshot struct {
	ID           string          `json:"id"`
	ParentID     string          `json:"parent_id,omitempty"`
	RootTaskID   string          `json:"root_task_id"`
	Name         string          `json:"name"`
	Type         NodeType        `json:"type"`
	Status       TaskStatus      `json:"status"`
	Progress     int             `json:"progress"`
	Executor     *ExecutorConfig `json:"executor,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorDetails map[string]any  `json:"error_details,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// IsRoot reports whether the snapshot describes a root node.
func (s TaskSnapshot) IsRoot() bool {
	return s.ParentID == ""
}

// TaskNode is the in-memory representation of one node of a task tree.
// All methods are safe for concurrent use. Every successful mutation publishes
// a status or metadata event while the node lock is held, so events for a
// single node are published in mutation order.
type TaskNode struct {
	mu           sync.RWMutex
	id           string
	parentID     string
	rootTaskID   string
	name         string
	nodeType     NodeType
	status       TaskStatus
	progress     int
	executor     *ExecutorConfig
	metadata     map[string]any
	errorMessage string
	errorDetails map[string]any
	createdAt    time.Time
	updatedAt    time.Time
	startedAt    *time.Time
	completedAt  *time.Time
	children     []*TaskNode
	publisher    events.Publisher
}

// NewTaskNode creates a fresh pending node. When parent is non-nil the node is
// attached to it, which fails with a validation error unless the parent is
// pending or running. A NodeCreatedEvent is published once the node is attached.
func NewTaskNode(params NodeParams, parent *TaskNode, publisher events.Publisher) (*TaskNode, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	node := &TaskNode{
		id:         id,
		rootTaskID: id,
		name:       params.Name,
		nodeType:   params.Type,
		status:     TaskStatusPending,
		executor:   params.Executor.Clone(),
		metadata:   cloneMap(params.Metadata),
		createdAt:  now,
		updatedAt:  now,
		publisher:  publisher,
	}
	if node.metadata == nil {
		node.metadata = make(map[string]any)
	}

	if parent != nil {
		node.parentID = parent.ID()
		node.rootTaskID = parent.RootTaskID()
		if err := parent.AddChild(node); err != nil {
			return nil, err
		}
	}

	node.publish(events.NodeCreatedEvent{
		TaskID:     node.id,
		RootTaskID: node.rootTaskID,
		ParentID:   node.parentID,
		Timestamp:  now,
	})
	return node, nil
}

// RestoreTaskNode rebuilds a node from a persisted snapshot in recovery mode.
// It publishes nothing: the row already exists.
func RestoreTaskNode(snap TaskSnapshot, publisher events.Publisher) (*TaskNode, error) {
	if snap.ID == "" {
		return nil, NewValidationError("id", "task ID cannot be empty")
	}
	if err := validateParams(NodeParams{Name: snap.Name, Type: snap.Type, Executor: snap.Executor}); err != nil {
		return nil, err
	}
	if !snap.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, snap.Status)
	}

	rootID := snap.RootTaskID
	if rootID == "" && snap.ParentID == "" {
		rootID = snap.ID
	}

	node := &TaskNode{
		id:           snap.ID,
		parentID:     snap.ParentID,
		rootTaskID:   rootID,
		name:         snap.Name,
		nodeType:     snap.Type,
		status:       snap.Status,
		progress:     snap.Progress,
		executor:     snap.Executor.Clone(),
		metadata:     cloneMap(snap.Metadata),
		errorMessage: snap.ErrorMessage,
		errorDetails: cloneMap(snap.ErrorDetails),
		createdAt:    snap.CreatedAt,
		updatedAt:    snap.UpdatedAt,
		startedAt:    copyTime(snap.StartedAt),
		completedAt:  copyTime(snap.CompletedAt),
		publisher:    publisher,
	}
	if node.metadata == nil {
		node.metadata = make(map[string]any)
	}
	if p, ok := progressFromMetadata(node.metadata); ok {
		node.progress = p
	}
	return node, nil
}

func validateParams(params NodeParams) error {
	if params.Name == "" {
		return NewValidationError("name", "task name cannot be empty")
	}
	if !params.Type.IsValid() {
		return NewValidationError("type", fmt.Sprintf("%s: %q", ErrInvalidNodeType, params.Type))
	}
	if params.Type == NodeTypeDirectory && params.Executor != nil {
		return NewValidationError("executor", "directory nodes cannot carry an executor config")
	}
	if params.Executor != nil && params.Executor.Name == "" {
		return NewValidationError("executor.name", "executor name cannot be empty")
	}
	return nil
}

// ID returns the node's identifier.
func (n *TaskNode) ID() string { return n.id }

// ParentID returns the parent identifier, empty for a root.
func (n *TaskNode) ParentID() string { return n.parentID }

// RootTaskID returns the identifier of the tree's root.
func (n *TaskNode) RootTaskID() string { return n.rootTaskID }

// IsRoot reports whether the node has no parent.
func (n *TaskNode) IsRoot() bool { return n.parentID == "" }

// Name returns the node's name.
func (n *TaskNode) Name() string { return n.name }

// Type returns the node's type.
func (n *TaskNode) Type() NodeType { return n.nodeType }

// Status returns the current status.
func (n *TaskNode) Status() TaskStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// Progress returns the advisory progress percentage.
func (n *TaskNode) Progress() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.progress
}

// Executor returns a copy of the executor config, nil for directories.
func (n *TaskNode) Executor() *ExecutorConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.executor.Clone()
}

// Metadata returns a copy of the node's metadata.
func (n *TaskNode) Metadata() map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return cloneMap(n.metadata)
}

// Children returns the node's direct children in attach order.
func (n *TaskNode) Children() []*TaskNode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*TaskNode, len(n.children))
	copy(out, n.children)
	return out
}

// CanAddChild reports whether the node currently accepts children.
func (n *TaskNode) CanAddChild() bool {
	return CanAddChild(n.Status())
}

// AddChild attaches child under n. Only pending and running nodes accept
// children; anything else is a validation error.
func (n *TaskNode) AddChild(child *TaskNode) error {
	if child == nil {
		return NewValidationError("child", "child cannot be nil")
	}
	if child.parentID != n.id {
		return NewValidationError("parent_id",
			fmt.Sprintf("child %s belongs to parent %q, not %s", child.id, child.parentID, n.id))
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !CanAddChild(n.status) {
		return NewValidationError("status",
			fmt.Sprintf("cannot add child to task %s in status %s", n.id, n.status))
	}
	for _, existing := range n.children {
		if existing.id == child.id {
			return NewValidationError("id", fmt.Sprintf("task %s already attached", child.id))
		}
	}
	n.children = append(n.children, child)
	return nil
}

// attachRestored links a recovered child without the status guard: a finished
// parent legitimately owns children that were attached while it was running.
func (n *TaskNode) attachRestored(child *TaskNode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.children = append(n.children, child)
}

// Start moves a pending or paused node to running.
func (n *TaskNode) Start() error {
	return n.transition(ActionStart, "", nil, nil)
}

// Pause moves a running node to paused.
func (n *TaskNode) Pause() error {
	return n.transition(ActionPause, "", nil, nil)
}

// Resume moves a paused node back to running.
func (n *TaskNode) Resume() error {
	return n.transition(ActionResume, "", nil, nil)
}

// Succeed records a successful execution outcome.
func (n *TaskNode) Succeed() error {
	return n.transition(ActionSucceed, "", nil, nil)
}

// Complete marks a running node as completed, typically a directory whose
// children have all finished.
func (n *TaskNode) Complete() error {
	return n.transition(ActionComplete, "", nil, nil)
}

// Fail records a failed execution outcome with its error.
func (n *TaskNode) Fail(message string, details map[string]any) error {
	return n.transition(ActionFail, message, details, nil)
}

// Cancel cancels a pending, running or paused node. Cancellation is
// cooperative: the executor observes the status and the cancelled flag in
// metadata and stops its own work.
func (n *TaskNode) Cancel(reason string) error {
	return n.transition(ActionCancel, "", nil, func(now time.Time, meta map[string]any) []string {
		meta[MetaCancelled] = true
		meta[MetaCancelReason] = reason
		meta[MetaCancelledAt] = now.Format(time.RFC3339Nano)
		return []string{MetaCancelled, MetaCancelReason, MetaCancelledAt}
	})
}

// Retry moves a failed node back to running, incrementing the retry counter
// and appending a retry-history entry.
func (n *TaskNode) Retry(reason string) error {
	return n.transition(ActionRetry, "", nil, func(now time.Time, meta map[string]any) []string {
		count := 0
		switch v := meta[MetaRetryCount].(type) {
		case int:
			count = v
		case int64:
			count = int(v)
		case float64:
			count = int(v)
		}
		meta[MetaRetryCount] = count + 1

		entry := map[string]any{
			"reason":    reason,
			"timestamp": now.Format(time.RFC3339Nano),
			"error":     n.errorMessage,
		}
		var history []any
		if existing, ok := meta[MetaRetryHistory].([]any); ok {
			history = append(history, existing...)
		}
		meta[MetaRetryHistory] = append(history, entry)
		return []string{MetaRetryCount, MetaRetryHistory}
	})
}

// transition applies action under the node lock. metaFn, when set, mutates a
// copy of the metadata and returns the changed keys; a metadata event follows
// the status event.
func (n *TaskNode) transition(
	action string,
	errMsg string,
	errDetails map[string]any,
	metaFn func(now time.Time, meta map[string]any) []string,
) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	to, ok := CanApply(action, n.status)
	if !ok {
		return &TransitionError{TaskID: n.id, Action: action, From: n.status}
	}

	now := time.Now().UTC()
	from := n.status
	n.status = to
	n.updatedAt = now

	switch action {
	case ActionFail:
		n.errorMessage = errMsg
		n.errorDetails = cloneMap(errDetails)
	case ActionRetry:
		n.completedAt = nil
	}
	if to == TaskStatusRunning && n.startedAt == nil {
		started := now
		n.startedAt = &started
	}
	if to.IsTerminal() {
		completed := now
		n.completedAt = &completed
	}

	var oldMeta map[string]any
	var changed []string
	if metaFn != nil {
		oldMeta = cloneMap(n.metadata)
		next := cloneMap(n.metadata)
		changed = metaFn(now, next)
		n.metadata = next
	}
	if action == ActionRetry {
		n.errorMessage = ""
		n.errorDetails = nil
	}

	n.publish(events.StatusChangeEvent{
		TaskID:       n.id,
		RootTaskID:   n.rootTaskID,
		OldStatus:    string(from),
		NewStatus:    string(to),
		ErrorMessage: n.errorMessage,
		ErrorDetails: cloneMap(n.errorDetails),
		Timestamp:    now,
	})
	if metaFn != nil {
		n.publishMetadataLocked(action, changed, oldMeta, now)
	}
	return nil
}

// UpdateMetadata merges patch into the node's metadata. A MetadataChangeEvent
// listing the keys whose values actually changed is published; a patch that
// changes nothing publishes nothing.
func (n *TaskNode) UpdateMetadata(patch map[string]any, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var changed []string
	for k, v := range patch {
		if old, ok := n.metadata[k]; !ok || !reflect.DeepEqual(old, v) {
			changed = append(changed, k)
		}
	}
	if len(changed) == 0 {
		return
	}
	sort.Strings(changed)

	oldMeta := cloneMap(n.metadata)
	next := cloneMap(n.metadata)
	for _, k := range changed {
		next[k] = cloneValue(patch[k])
	}
	n.metadata = next

	now := time.Now().UTC()
	n.updatedAt = now
	n.publishMetadataLocked(reason, changed, oldMeta, now)
}

// RemoveMetadata deletes keys from the node's metadata.
func (n *TaskNode) RemoveMetadata(reason string, keys ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var changed []string
	for _, k := range keys {
		if _, ok := n.metadata[k]; ok {
			changed = append(changed, k)
		}
	}
	if len(changed) == 0 {
		return
	}
	sort.Strings(changed)

	oldMeta := cloneMap(n.metadata)
	next := cloneMap(n.metadata)
	for _, k := range changed {
		delete(next, k)
	}
	n.metadata = next

	now := time.Now().UTC()
	n.updatedAt = now
	n.publishMetadataLocked(reason, changed, oldMeta, now)
}

// SetProgress records advisory progress. The value is mirrored into metadata so
// it travels through the metadata sync pipeline.
func (n *TaskNode) SetProgress(progress int) error {
	if progress < 0 || progress > 100 {
		return NewValidationError("progress", fmt.Sprintf("progress %d outside 0..100", progress))
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.progress == progress {
		if p, ok := progressFromMetadata(n.metadata); ok && p == progress {
			return nil
		}
	}

	oldMeta := cloneMap(n.metadata)
	next := cloneMap(n.metadata)
	next[MetaProgress] = progress
	n.metadata = next
	n.progress = progress

	now := time.Now().UTC()
	n.updatedAt = now
	n.publishMetadataLocked("progress", []string{MetaProgress}, oldMeta, now)
	return nil
}

func (n *TaskNode) publishMetadataLocked(reason string, changed []string, oldMeta map[string]any, now time.Time) {
	n.publish(events.MetadataChangeEvent{
		TaskID:        n.id,
		RootTaskID:    n.rootTaskID,
		TaskName:      n.name,
		Reason:        reason,
		ChangedFields: changed,
		OldMetadata:   oldMeta,
		NewMetadata:   cloneMap(n.metadata),
		Timestamp:     now,
	})
}

func (n *TaskNode) publish(event events.Event) {
	if n.publisher == nil {
		return
	}
	// A closed bus only happens during shutdown; the row converges on the next
	// recovery instead.
	_ = n.publisher.Publish(event)
}

// Snapshot returns a point-in-time copy of the node.
func (n *TaskNode) Snapshot() TaskSnapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return TaskSnapshot{
		ID:           n.id,
		ParentID:     n.parentID,
		RootTaskID:   n.rootTaskID,
		Name:         n.name,
		Type:         n.nodeType,
		Status:       n.status,
		Progress:     n.progress,
		Executor:     n.executor.Clone(),
		Metadata:     cloneMap(n.metadata),
		ErrorMessage: n.errorMessage,
		ErrorDetails: cloneMap(n.errorDetails),
		CreatedAt:    n.createdAt,
		UpdatedAt:    n.updatedAt,
		StartedAt:    copyTime(n.startedAt),
		CompletedAt:  copyTime(n.completedAt),
	}
}

// Walk visits n and its descendants depth-first, parents before children.
// Returning false from fn stops the walk below that node.
func (n *TaskNode) Walk(fn func(*TaskNode) bool) {
	if !fn(n) {
		return
	}
	for _, child := range n.Children() {
		child.Walk(fn)
	}
}

// Count returns the number of nodes in the subtree rooted at n.
func (n *TaskNode) Count() int {
	total := 0
	n.Walk(func(*TaskNode) bool {
		total++
		return true
	})
	return total
}

// TreeData renders the subtree as nested maps, for completion events and
// diagnostics.
func (n *TaskNode) TreeData() map[string]any {
	snap := n.Snapshot()
	data := map[string]any{
		"id":       snap.ID,
		"name":     snap.Name,
		"type":     string(snap.Type),
		"status":   string(snap.Status),
		"progress": snap.Progress,
	}
	if snap.ErrorMessage != "" {
		data["error"] = snap.ErrorMessage
	}
	children := n.Children()
	if len(children) > 0 {
		rendered := make([]any, 0, len(children))
		for _, child := range children {
			rendered = append(rendered, child.TreeData())
		}
		data["children"] = rendered
	}
	return data
}

func progressFromMetadata(meta map[string]any) (int, bool) {
	switch v := meta[MetaProgress].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
