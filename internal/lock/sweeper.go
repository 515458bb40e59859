package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/phrazzld/tasktree/internal/redact"
	"github.com/phrazzld/tasktree/internal/store"
)

// DefaultSweepSchedule runs the sweeper once a minute.
const DefaultSweepSchedule = "@every 1m"

// SweepStats counts sweeper activity.
type SweepStats struct {
	Runs    uint64    `json:"runs"`
	Removed int64     `json:"removed"`
	Errors  uint64    `json:"errors"`
	LastRun time.Time `json:"last_run"`
}

// cronLogger adapts the cron logger interface to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{slog.String("error", redact.Error(err))}, keysAndValues...)...)
}

// Sweeper deletes expired execution locks on a cron schedule.
type Sweeper struct {
	repo    store.ExecutionLockRepository
	logger  *slog.Logger
	cron    *cron.Cron
	timeout time.Duration

	mu      sync.Mutex
	stats   SweepStats
	started bool
}

// NewSweeper creates a sweeper for schedule, which accepts standard five-field
// cron expressions and descriptors such as "@every 30s".
func NewSweeper(repo store.ExecutionLockRepository, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if repo == nil {
		panic("execution lock repository cannot be nil") // ALLOW-PANIC
	}
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	log := logger.With(slog.String("component", "lock_sweeper"))
	cl := cronLogger{logger: log}

	s := &Sweeper{
		repo:    repo,
		logger:  log,
		timeout: 30 * time.Second,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, _ = s.Sweep(ctx)
}

// Sweep deletes expired locks once and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	removed, err := s.repo.CleanupExpiredLocks(ctx)

	s.mu.Lock()
	s.stats.Runs++
	s.stats.LastRun = time.Now().UTC()
	if err != nil {
		s.stats.Errors++
	} else {
		s.stats.Removed += removed
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("expired lock sweep failed", slog.String("error", redact.Error(err)))
		return 0, fmt.Errorf("failed to sweep expired locks: %w", err)
	}
	if removed > 0 {
		s.logger.Info("removed expired locks", slog.Int64("count", removed))
	}
	return removed, nil
}

// Start begins running the schedule in the background.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns sweep counters.
func (s *Sweeper) Stats() SweepStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
