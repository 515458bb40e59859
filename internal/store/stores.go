package store

// Stores bundles the repositories of one backend.
type Stores struct {
	Running   RunningTaskRepository
	Completed CompletedTaskRepository
	Contexts  SharedContextRepository
	Migration TaskMigrationRepository
	Locks     ExecutionLockRepository
}
