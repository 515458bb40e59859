package tasktree

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/platform/logger"
	"github.com/phrazzld/tasktree/internal/redact"
)

// RecoveryResult summarises a RecoverRunningTasks pass.
type RecoveryResult struct {
	// RecoveredNodes counts nodes of trees rebuilt into memory.
	RecoveredNodes int `json:"recovered_nodes"`
	// RootTasks are the roots of the rebuilt trees.
	RootTasks []*domain.TaskNode `json:"-"`
	// ArchivedTrees counts finished trees found in the running store and
	// migrated during recovery.
	ArchivedTrees int                 `json:"archived_trees"`
	Errors        []TreeRecoveryError `json:"errors,omitempty"`
}

// RecoverRunningTasks rebuilds every unfinished tree from the running store.
// A tree that cannot be rebuilt is reported in Errors and does not stop the
// others. Trees whose root already finished are archived. The returned error
// is non-nil only when the running store cannot be listed.
func (s *Service) RecoverRunningTasks(ctx context.Context) (RecoveryResult, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)
	var result RecoveryResult

	active, err := s.stores.Running.FindRootsByStatus(ctx, domain.NonTerminalStatuses()...)
	if err != nil {
		return result, NewServiceError("recover", "listing unfinished roots", err)
	}
	finished, err := s.stores.Running.FindRootsByStatus(ctx, domain.TerminalStatuses()...)
	if err != nil {
		return result, NewServiceError("recover", "listing finished roots", err)
	}

	log.Info("recovering task trees",
		slog.Int("active_count", len(active)),
		slog.Int("finished_count", len(finished)))

	for _, snap := range active {
		root, count, err := s.restoreTree(ctx, snap.ID)
		if err != nil {
			log.Error("failed to recover task tree",
				slog.String("root_task_id", snap.ID),
				slog.String("error", redact.Error(err)))
			result.Errors = append(result.Errors, TreeRecoveryError{RootTaskID: snap.ID, Err: err})
			continue
		}
		if root == nil {
			continue
		}
		result.RecoveredNodes += count
		result.RootTasks = append(result.RootTasks, root)
	}

	for _, snap := range finished {
		root, _, err := s.restoreTree(ctx, snap.ID)
		if err == nil && root != nil {
			_, err = s.CompleteTree(ctx, snap.ID)
		}
		if err != nil {
			log.Error("failed to archive finished task tree",
				slog.String("root_task_id", snap.ID),
				slog.String("error", redact.Error(err)))
			result.Errors = append(result.Errors, TreeRecoveryError{RootTaskID: snap.ID, Err: err})
			continue
		}
		if root != nil {
			result.ArchivedTrees++
		}
	}

	sortRoots(result.RootTasks)
	log.Info("task tree recovery finished",
		slog.Int("recovered_trees", len(result.RootTasks)),
		slog.Int("recovered_nodes", result.RecoveredNodes),
		slog.Int("archived_trees", result.ArchivedTrees),
		slog.Int("errors", len(result.Errors)))

	if s.onRecovered != nil && len(result.RootTasks) > 0 {
		if err := s.onRecovered(ctx, result.RootTasks); err != nil {
			log.Error("recovery callback failed", slog.String("error", redact.Error(err)))
		}
	}
	return result, nil
}

// restoreTree loads, rebuilds and registers one tree. It returns a nil root
// without error when the tree is already live.
func (s *Service) restoreTree(ctx context.Context, rootTaskID string) (*domain.TaskNode, int, error) {
	if _, live := s.Root(rootTaskID); live {
		return nil, 0, nil
	}
	ctx = logger.WithTreeID(ctx, rootTaskID)

	snaps, err := s.stores.Running.FindByRootTaskID(ctx, rootTaskID)
	if err != nil {
		return nil, 0, fmt.Errorf("loading rows: %w", err)
	}
	root, index, err := domain.BuildTree(snaps, s.subs.Gate)
	if err != nil {
		return nil, 0, fmt.Errorf("rebuilding tree: %w", err)
	}
	if root.ID() != rootTaskID {
		return nil, 0, fmt.Errorf("rebuilding tree: %w: found root %s", domain.ErrMissingRoot, root.ID())
	}

	if _, err := s.arena.CreateShared(ctx, rootTaskID, nil, true); err != nil {
		return nil, 0, fmt.Errorf("restoring shared context: %w", err)
	}
	if !s.register(root, index) {
		return nil, 0, nil
	}
	return root, len(index), nil
}
