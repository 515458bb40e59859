package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/store"
)

// Op names a repository operation passed to MemoryDB.Intercept.
type Op string

// Intercepted operations
const (
	OpCreateTask      Op = "running.create"
	OpUpdateStatus    Op = "running.update_status"
	OpUpdateMetadata  Op = "running.update_metadata"
	OpFindRoots       Op = "running.find_roots"
	OpFindTree        Op = "running.find_tree"
	OpCreateCompleted Op = "completed.create"
	OpSaveContext     Op = "context.save"
	OpFindContext     Op = "context.find"
	OpMigrateTree     Op = "migration.migrate"
	OpAcquireLock     Op = "lock.acquire"
	OpRenewLock       Op = "lock.renew"
	OpReleaseLock     Op = "lock.release"
	OpCleanupLocks    Op = "lock.cleanup"
)

// Write records one successful mutation.
type Write struct {
	Op    Op
	Key   string
	Value any
}

// MemoryDB is shared state behind the in-memory repositories.
type MemoryDB struct {
	// Intercept, when set, runs before every operation with the operation and
	// its primary key. A non-nil error is returned to the caller unchanged.
	// It is called without holding the database lock, so it may block.
	Intercept func(op Op, key string) error

	// Now is the clock used for timestamps and lock expiry.
	Now func() time.Time

	mu        sync.Mutex
	running   map[string]domain.TaskSnapshot
	completed map[string]store.CompletedTask
	contexts  map[string]map[string]any
	locks     map[string]store.ExecutionLock
	writes    []Write
}

// NewMemoryDB creates an empty database using the wall clock.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		Now:       time.Now,
		running:   make(map[string]domain.TaskSnapshot),
		completed: make(map[string]store.CompletedTask),
		contexts:  make(map[string]map[string]any),
		locks:     make(map[string]store.ExecutionLock),
	}
}

// Stores returns every repository over db.
func (db *MemoryDB) Stores() store.Stores {
	return store.Stores{
		Running:   &MemoryRunningTasks{db: db},
		Completed: &MemoryCompletedTasks{db: db},
		Contexts:  &MemorySharedContexts{db: db},
		Migration: &MemoryMigration{db: db},
		Locks:     &MemoryLocks{db: db},
	}
}

func (db *MemoryDB) intercept(op Op, key string) error {
	if db.Intercept == nil {
		return nil
	}
	return db.Intercept(op, key)
}

func (db *MemoryDB) record(op Op, key string, value any) {
	db.writes = append(db.writes, Write{Op: op, Key: key, Value: value})
}

// Writes returns the recorded writes, optionally filtered to one operation.
func (db *MemoryDB) Writes(ops ...Op) []Write {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []Write
	for _, w := range db.writes {
		if len(ops) == 0 {
			out = append(out, w)
			continue
		}
		for _, op := range ops {
			if w.Op == op {
				out = append(out, w)
				break
			}
		}
	}
	return out
}

// RunningTask returns the stored row for id.
func (db *MemoryDB) RunningTask(id string) (domain.TaskSnapshot, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	snap, ok := db.running[id]
	return cloneSnapshot(snap), ok
}

// RunningCount returns the number of running rows.
func (db *MemoryDB) RunningCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.running)
}

// SavedContext returns the stored shared context snapshot for rootTaskID.
func (db *MemoryDB) SavedContext(rootTaskID string) (map[string]any, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	data, ok := db.contexts[rootTaskID]
	return domain.CloneMap(data), ok
}

// Seed inserts running rows directly, bypassing Intercept and the write log.
func (db *MemoryDB) Seed(snaps ...domain.TaskSnapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, snap := range snaps {
		db.running[snap.ID] = cloneSnapshot(snap)
	}
}

// SeedContext stores a shared context snapshot directly.
func (db *MemoryDB) SeedContext(rootTaskID string, data map[string]any) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.contexts[rootTaskID] = domain.CloneMap(data)
}

func cloneSnapshot(s domain.TaskSnapshot) domain.TaskSnapshot {
	s.Metadata = domain.CloneMap(s.Metadata)
	s.ErrorDetails = domain.CloneMap(s.ErrorDetails)
	s.Executor = s.Executor.Clone()
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

// MemoryRunningTasks implements store.RunningTaskRepository.
type MemoryRunningTasks struct{ db *MemoryDB }

var _ store.RunningTaskRepository = (*MemoryRunningTasks)(nil)

// Create implements store.RunningTaskRepository.Create
func (r *MemoryRunningTasks) Create(_ context.Context, task domain.TaskSnapshot) error {
	if err := r.db.intercept(OpCreateTask, task.ID); err != nil {
		return err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if task.ID == "" || task.RootTaskID == "" {
		return store.ErrInvalidEntity
	}
	if _, ok := r.db.running[task.ID]; ok {
		return fmt.Errorf("%w: %s", store.ErrTaskExists, task.ID)
	}
	r.db.running[task.ID] = cloneSnapshot(task)
	r.db.record(OpCreateTask, task.ID, cloneSnapshot(task))
	return nil
}

// FindByID implements store.RunningTaskRepository.FindByID
func (r *MemoryRunningTasks) FindByID(_ context.Context, id string) (*domain.TaskSnapshot, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	snap, ok := r.db.running[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	out := cloneSnapshot(snap)
	return &out, nil
}

// FindByRootTaskID implements store.RunningTaskRepository.FindByRootTaskID
func (r *MemoryRunningTasks) FindByRootTaskID(_ context.Context, rootTaskID string) ([]domain.TaskSnapshot, error) {
	if err := r.db.intercept(OpFindTree, rootTaskID); err != nil {
		return nil, err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []domain.TaskSnapshot
	for _, snap := range r.db.running {
		if snap.RootTaskID == rootTaskID {
			out = append(out, cloneSnapshot(snap))
		}
	}
	sortSnapshots(out)
	return out, nil
}

// FindRootsByStatus implements store.RunningTaskRepository.FindRootsByStatus
func (r *MemoryRunningTasks) FindRootsByStatus(_ context.Context, statuses ...domain.TaskStatus) ([]domain.TaskSnapshot, error) {
	if err := r.db.intercept(OpFindRoots, ""); err != nil {
		return nil, err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []domain.TaskSnapshot
	for _, snap := range r.db.running {
		if !snap.IsRoot() {
			continue
		}
		for _, st := range statuses {
			if snap.Status == st {
				out = append(out, cloneSnapshot(snap))
				break
			}
		}
	}
	sortSnapshots(out)
	return out, nil
}

func sortSnapshots(s []domain.TaskSnapshot) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].CreatedAt.Before(s[j].CreatedAt)
		}
		return s[i].ID < s[j].ID
	})
}

// UpdateStatus implements store.RunningTaskRepository.UpdateStatus
func (r *MemoryRunningTasks) UpdateStatus(
	_ context.Context,
	id string,
	status domain.TaskStatus,
	errorMessage string,
	errorDetails map[string]any,
) error {
	if err := r.db.intercept(OpUpdateStatus, id); err != nil {
		return err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	snap, ok := r.db.running[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	now := r.db.Now().UTC()
	snap.Status = status
	snap.ErrorMessage = errorMessage
	snap.ErrorDetails = domain.CloneMap(errorDetails)
	snap.UpdatedAt = now
	if status == domain.TaskStatusRunning {
		if snap.StartedAt == nil {
			snap.StartedAt = &now
		}
		snap.CompletedAt = nil
	}
	if status.IsTerminal() {
		snap.CompletedAt = &now
	}
	r.db.running[id] = snap
	r.db.record(OpUpdateStatus, id, status)
	return nil
}

// UpdateTaskMetadata implements store.RunningTaskRepository.UpdateTaskMetadata
func (r *MemoryRunningTasks) UpdateTaskMetadata(_ context.Context, id string, metadata map[string]any) error {
	if err := r.db.intercept(OpUpdateMetadata, id); err != nil {
		return err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	snap, ok := r.db.running[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	snap.Metadata = domain.CloneMap(metadata)
	snap.UpdatedAt = r.db.Now().UTC()
	r.db.running[id] = snap
	r.db.record(OpUpdateMetadata, id, domain.CloneMap(metadata))
	return nil
}

// MemoryCompletedTasks implements store.CompletedTaskRepository.
type MemoryCompletedTasks struct{ db *MemoryDB }

var _ store.CompletedTaskRepository = (*MemoryCompletedTasks)(nil)

// Create implements store.CompletedTaskRepository.Create
func (r *MemoryCompletedTasks) Create(_ context.Context, task store.CompletedTask) error {
	if err := r.db.intercept(OpCreateCompleted, task.ID); err != nil {
		return err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.completed[task.ID]; ok {
		return fmt.Errorf("%w: %s", store.ErrTaskExists, task.ID)
	}
	task.TreeStatus = domain.ArchivalStatus(task.TreeStatus)
	if task.ArchivedAt.IsZero() {
		task.ArchivedAt = r.db.Now().UTC()
	}
	r.db.completed[task.ID] = task
	r.db.record(OpCreateCompleted, task.ID, task.TreeStatus)
	return nil
}

// FindByID implements store.CompletedTaskRepository.FindByID
func (r *MemoryCompletedTasks) FindByID(_ context.Context, id string) (*store.CompletedTask, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	task, ok := r.db.completed[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return &task, nil
}

// FindMany implements store.CompletedTaskRepository.FindMany
func (r *MemoryCompletedTasks) FindMany(_ context.Context, f store.CompletedTaskFilter) ([]store.CompletedTask, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []store.CompletedTask
	for _, task := range r.db.completed {
		switch {
		case f.RootTaskID != "" && task.RootTaskID != f.RootTaskID:
		case f.TreeStatus != "" && task.TreeStatus != f.TreeStatus:
		case f.RootsOnly && !task.IsRoot():
		case !f.ArchivedAfter.IsZero() && task.ArchivedAt.Before(f.ArchivedAfter):
		case !f.ArchivedBefore.IsZero() && !task.ArchivedAt.Before(f.ArchivedBefore):
		default:
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ArchivedAt.Equal(out[j].ArchivedAt) {
			return out[i].ArchivedAt.After(out[j].ArchivedAt)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

// MemorySharedContexts implements store.SharedContextRepository.
type MemorySharedContexts struct{ db *MemoryDB }

var _ store.SharedContextRepository = (*MemorySharedContexts)(nil)

// SaveContext implements store.SharedContextRepository.SaveContext
func (r *MemorySharedContexts) SaveContext(_ context.Context, rootTaskID string, data map[string]any) error {
	if err := r.db.intercept(OpSaveContext, rootTaskID); err != nil {
		return err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.running[rootTaskID]; !ok {
		return fmt.Errorf("%w: root task %s has no row", store.ErrInvalidEntity, rootTaskID)
	}
	if data == nil {
		data = map[string]any{}
	}
	r.db.contexts[rootTaskID] = domain.CloneMap(data)
	r.db.record(OpSaveContext, rootTaskID, domain.CloneMap(data))
	return nil
}

// FindContext implements store.SharedContextRepository.FindContext
func (r *MemorySharedContexts) FindContext(_ context.Context, rootTaskID string) (map[string]any, error) {
	if err := r.db.intercept(OpFindContext, rootTaskID); err != nil {
		return nil, err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	data, ok := r.db.contexts[rootTaskID]
	if !ok {
		return nil, store.ErrContextNotFound
	}
	return domain.CloneMap(data), nil
}

// DeleteContext implements store.SharedContextRepository.DeleteContext
func (r *MemorySharedContexts) DeleteContext(_ context.Context, rootTaskID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.contexts, rootTaskID)
	return nil
}

// MemoryMigration implements store.TaskMigrationRepository.
type MemoryMigration struct{ db *MemoryDB }

var _ store.TaskMigrationRepository = (*MemoryMigration)(nil)

// MigrateTaskTree implements store.TaskMigrationRepository.MigrateTaskTree
func (r *MemoryMigration) MigrateTaskTree(
	_ context.Context,
	rootTaskID string,
	treeStatus domain.TaskStatus,
) (store.MigrationResult, error) {
	if err := r.db.intercept(OpMigrateTree, rootTaskID); err != nil {
		return store.MigrationResult{Message: err.Error()}, err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	archived := domain.ArchivalStatus(treeStatus)
	now := r.db.Now().UTC()
	count := 0
	for id, snap := range r.db.running {
		if snap.RootTaskID != rootTaskID {
			continue
		}
		row := store.CompletedTask{TaskSnapshot: snap, TreeStatus: archived, ArchivedAt: now}
		if id == rootTaskID {
			row.SharedContext = r.db.contexts[rootTaskID]
		}
		r.db.completed[id] = row
		delete(r.db.running, id)
		count++
	}
	if count == 0 {
		return store.MigrationResult{Message: store.ErrTaskNotFound.Error()}, store.ErrTaskNotFound
	}
	delete(r.db.contexts, rootTaskID)
	r.db.record(OpMigrateTree, rootTaskID, count)
	return store.MigrationResult{
		Success:       true,
		MigratedCount: count,
		Message:       fmt.Sprintf("migrated %d tasks", count),
	}, nil
}

// MemoryLocks implements store.ExecutionLockRepository.
type MemoryLocks struct{ db *MemoryDB }

var _ store.ExecutionLockRepository = (*MemoryLocks)(nil)

// AcquireLock implements store.ExecutionLockRepository.AcquireLock
func (r *MemoryLocks) AcquireLock(
	_ context.Context,
	key, owner string,
	expiresAt time.Time,
	lockType store.LockType,
	data map[string]any,
) (*store.ExecutionLock, error) {
	if err := r.db.intercept(OpAcquireLock, key); err != nil {
		return nil, err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := r.db.Now()
	if existing, ok := r.db.locks[key]; ok && !existing.Expired(now) {
		return nil, fmt.Errorf("%w: %s held by %s", store.ErrLockHeld, key, existing.Owner)
	}
	lock := store.ExecutionLock{
		LockKey:   key,
		LockType:  lockType,
		Owner:     owner,
		ExpiresAt: expiresAt,
		LockData:  domain.CloneMap(data),
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.db.locks[key] = lock
	r.db.record(OpAcquireLock, key, owner)
	return &lock, nil
}

func (r *MemoryLocks) owned(key, owner string) (store.ExecutionLock, error) {
	lock, ok := r.db.locks[key]
	if !ok {
		return lock, store.ErrLockNotFound
	}
	if lock.Owner != owner {
		return lock, fmt.Errorf("%w: %s held by %s", store.ErrLockNotOwned, key, lock.Owner)
	}
	return lock, nil
}

// ReleaseLock implements store.ExecutionLockRepository.ReleaseLock
func (r *MemoryLocks) ReleaseLock(_ context.Context, key, owner string) error {
	if err := r.db.intercept(OpReleaseLock, key); err != nil {
		return err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, err := r.owned(key, owner); err != nil {
		return err
	}
	delete(r.db.locks, key)
	r.db.record(OpReleaseLock, key, owner)
	return nil
}

// RenewLock implements store.ExecutionLockRepository.RenewLock
func (r *MemoryLocks) RenewLock(_ context.Context, key, owner string, expiresAt time.Time) error {
	if err := r.db.intercept(OpRenewLock, key); err != nil {
		return err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	lock, err := r.owned(key, owner)
	if err != nil {
		return err
	}
	lock.ExpiresAt = expiresAt
	lock.UpdatedAt = r.db.Now()
	r.db.locks[key] = lock
	r.db.record(OpRenewLock, key, expiresAt)
	return nil
}

// ForceReleaseLock implements store.ExecutionLockRepository.ForceReleaseLock
func (r *MemoryLocks) ForceReleaseLock(_ context.Context, key string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.locks, key)
	return nil
}

// CleanupExpiredLocks implements store.ExecutionLockRepository.CleanupExpiredLocks
func (r *MemoryLocks) CleanupExpiredLocks(_ context.Context) (int64, error) {
	if err := r.db.intercept(OpCleanupLocks, ""); err != nil {
		return 0, err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := r.db.Now()
	var n int64
	for key, lock := range r.db.locks {
		if lock.Expired(now) {
			delete(r.db.locks, key)
			n++
		}
	}
	if n > 0 {
		r.db.record(OpCleanupLocks, "", n)
	}
	return n, nil
}

// CheckLock implements store.ExecutionLockRepository.CheckLock
func (r *MemoryLocks) CheckLock(_ context.Context, key string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	lock, ok := r.db.locks[key]
	return ok && !lock.Expired(r.db.Now()), nil
}

// FindLock implements store.ExecutionLockRepository.FindLock
func (r *MemoryLocks) FindLock(_ context.Context, key string) (*store.ExecutionLock, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	lock, ok := r.db.locks[key]
	if !ok {
		return nil, store.ErrLockNotFound
	}
	return &lock, nil
}
