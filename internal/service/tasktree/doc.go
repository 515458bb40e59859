// Package tasktree provides the TaskTreeService, the entry point of the
// engine. It owns the live trees, the shared context Arena, the event bus and
// the synchronization pipeline that keeps durable storage in step with them.
//
// A tree's lifecycle:
//
//  1. CreateRoot registers a shared context and a root node; CreateChild
//     grows the tree. Every node is inserted asynchronously.
//  2. Callers drive nodes through their state machine. Status, metadata and
//     shared context changes are persisted by coalescing subscribers.
//  3. When the root reaches a terminal status the service emits a
//     TreeCompletionEvent; the tree is migrated to the completed store and
//     dropped from memory. CompleteTree does the same synchronously.
//
// After a restart RecoverRunningTasks rebuilds every unfinished tree from the
// running store and archives trees that finished but were never migrated.
package tasktree
