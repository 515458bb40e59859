package events

import (
	"context"
	"strconv"
	"time"
)

// Type identifies the kind of an event.
type Type string

// Event types published by the engine.
const (
	TypeStatusChange   Type = "task.status_changed"
	TypeMetadataChange Type = "task.metadata_changed"
	TypeNodeCreated    Type = "task.node_created"
	TypeContextChange  Type = "context.changed"
	TypeTreeCompletion Type = "tree.completed"
)

// Context change operations.
const (
	OperationSet    = "set"
	OperationDelete = "delete"
	OperationClear  = "clear"
)

// WildcardKey is the key carried by batch context updates.
const WildcardKey = "*"

// Event is implemented by every payload that travels over the Bus.
type Event interface {
	EventType() Type
}

// StatusChangeEvent is published after a task node transitions to a new status.
type StatusChangeEvent struct {
	TaskID       string         `json:"task_id"`
	RootTaskID   string         `json:"root_task_id"`
	OldStatus    string         `json:"old_status"`
	NewStatus    string         `json:"new_status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// EventType implements Event.
func (StatusChangeEvent) EventType() Type { return TypeStatusChange }

// MetadataChangeEvent is published after a task node's metadata changes.
type MetadataChangeEvent struct {
	TaskID        string         `json:"task_id"`
	RootTaskID    string         `json:"root_task_id"`
	TaskName      string         `json:"task_name"`
	Reason        string         `json:"reason"`
	ChangedFields []string       `json:"changed_fields"`
	OldMetadata   map[string]any `json:"old_metadata"`
	NewMetadata   map[string]any `json:"new_metadata"`
	Timestamp     time.Time      `json:"timestamp"`
}

// EventType implements Event.
func (MetadataChangeEvent) EventType() Type { return TypeMetadataChange }

// ContextChangeEvent is published after a shared context mutation.
// Batch updates carry Key "*" and whole-map snapshots as old and new values.
type ContextChangeEvent struct {
	RootTaskID string    `json:"root_task_id"`
	Key        string    `json:"key"`
	OldValue   any       `json:"old_value"`
	NewValue   any       `json:"new_value"`
	Timestamp  time.Time `json:"timestamp"`
	Operation  string    `json:"operation"`
}

// EventType implements Event.
func (ContextChangeEvent) EventType() Type { return TypeContextChange }

// NodeCreatedEvent is published when a fresh task node needs a durable row.
// It carries identifiers only; the insert reads the live node when it runs.
type NodeCreatedEvent struct {
	TaskID     string    `json:"task_id"`
	RootTaskID string    `json:"root_task_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventType implements Event.
func (NodeCreatedEvent) EventType() Type { return TypeNodeCreated }

// IsRoot reports whether the created node is the root of its tree.
func (e NodeCreatedEvent) IsRoot() bool { return e.ParentID == "" }

// TreeCompletionEvent is published when a root task reaches a terminal status.
// Sequence distinguishes repeated completions of the same root.
type TreeCompletionEvent struct {
	RootTaskID  string         `json:"root_task_id"`
	Sequence    uint64         `json:"sequence"`
	FinalStatus string         `json:"final_status"`
	CompletedAt time.Time      `json:"completed_at"`
	TotalTasks  int            `json:"total_tasks"`
	TreeData    map[string]any `json:"tree_data,omitempty"`
}

// EventType implements Event.
func (TreeCompletionEvent) EventType() Type { return TypeTreeCompletion }

// CompletionKey identifies this completion attempt.
func (e TreeCompletionEvent) CompletionKey() string {
	return e.RootTaskID + "#" + strconv.FormatUint(e.Sequence, 10)
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event Event) error
}

// Publisher is the write side of the Bus, handed to mutation sites.
type Publisher interface {
	Publish(event Event) error
}
