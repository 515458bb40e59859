// Package store defines interfaces for task tree persistence.
// These interfaces abstract the underlying data storage mechanism from
// the engine's core logic, so the tree, the sync subscribers and the lock
// manager remain independent of specific database technologies.
package store
