package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/tasktree/internal/api"
	"github.com/phrazzld/tasktree/internal/config"
	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/lock"
	"github.com/phrazzld/tasktree/internal/platform/migrate"
	"github.com/phrazzld/tasktree/internal/redact"
	"github.com/phrazzld/tasktree/internal/service/tasktree"
	"github.com/phrazzld/tasktree/internal/store"
)

// recoveryLockKey is held by the instance that recovered the persisted trees
// for as long as it runs, so no other instance sharing the database rebuilds
// trees it is still driving.
const recoveryLockKey = "tasktree/recovery"

// application holds the engine's long-lived components.
type application struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend *backend
	service *tasktree.Service
	locks   *lock.Manager
	sweeper *lock.Sweeper
	server  *http.Server

	mu            sync.Mutex
	stopped       bool
	recoveryLease *lock.Lease
}

// newApplication opens the database and builds every component. It does not
// start anything.
func newApplication(ctx context.Context, cfg *config.Config, log *slog.Logger) (*application, error) {
	b, err := openBackend(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	app, err := buildApplication(ctx, cfg, log, b)
	if err != nil {
		_ = b.close()
		return nil, err
	}
	return app, nil
}

func buildApplication(ctx context.Context, cfg *config.Config, log *slog.Logger, b *backend) (*application, error) {
	if cfg.Database.AutoMigrate {
		if err := migrate.Run(ctx, b.migrations, migrate.CommandUp, log); err != nil {
			return nil, err
		}
	}

	registry, err := domain.NewRegistry(cfg.Registrations...)
	if err != nil {
		return nil, fmt.Errorf("invalid registrations: %w", err)
	}

	svc, err := tasktree.New(b.stores, log,
		tasktree.WithRegistry(registry),
		tasktree.WithDrainTimeout(cfg.Engine.DrainTimeout))
	if err != nil {
		return nil, err
	}

	owner := cfg.Engine.OwnerID
	if owner == "" {
		owner = defaultOwnerID()
	}
	locks := lock.NewManager(b.stores.Locks, owner, log,
		lock.WithTTL(cfg.Locks.DefaultTTL),
		lock.WithRetry(cfg.Locks.AcquireAttempts, cfg.Locks.AcquireBaseDelay))

	sweeper, err := lock.NewSweeper(b.stores.Locks, cfg.Locks.SweepSchedule, log)
	if err != nil {
		return nil, err
	}

	app := &application{
		cfg:     cfg,
		logger:  log,
		backend: b,
		service: svc,
		locks:   locks,
		sweeper: sweeper,
	}

	if cfg.Server.OpsPort > 0 {
		handler := api.NewOpsHandler(svc, b.db, b.stores.Locks, b.stores.Completed, log)
		app.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.OpsPort),
			Handler:           api.NewRouter(handler, log),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return app, nil
}

// defaultOwnerID names this process in execution locks.
func defaultOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "taskengine"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// run starts the engine and blocks until ctx is done or a component fails,
// then shuts everything down within the configured timeout.
func (app *application) run(ctx context.Context) error {
	// The engine outlives ctx so that shutdown can flush pending writes.
	engineCtx, stopEngine := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEngine()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := app.service.Run(engineCtx); err != nil {
			return fmt.Errorf("engine stopped: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if app.cfg.Engine.RecoverOnStart {
			if err := app.recoverTrees(gctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		app.sweeper.Start()
		app.logger.Info("task engine started", slog.String("owner", app.locks.Owner()))
		return nil
	})

	if app.server != nil {
		g.Go(func() error {
			app.logger.Info("starting ops server", slog.String("addr", app.server.Addr))
			if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return app.shutdown(stopEngine)
	})

	return g.Wait()
}

// recoverTrees rebuilds persisted trees and keeps the recovery lock until
// shutdown. When another instance holds it, recovery is left to that instance.
func (app *application) recoverTrees(ctx context.Context) error {
	lease, err := app.locks.Acquire(ctx, recoveryLockKey, store.LockTypeWorkflow, map[string]any{
		"purpose": "recovery",
		"owner":   app.locks.Owner(),
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		app.logger.Warn("recovery lock held by another instance, skipping recovery",
			slog.String("lock_key", recoveryLockKey))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to acquire recovery lock: %w", err)
	}
	if !app.holdRecoveryLease(lease) {
		app.releaseLease(lease)
		return nil
	}

	// Release ends the renewal loop.
	lost := lease.KeepAlive(context.WithoutCancel(ctx))
	go func() {
		if err := <-lost; err != nil {
			app.logger.Warn("recovery lock lost", slog.String("error", redact.Error(err)))
		}
	}()

	result, err := app.service.RecoverRunningTasks(ctx)
	if err != nil {
		return err
	}
	for _, treeErr := range result.Errors {
		app.logger.Error("tree not recovered",
			slog.String("root_task_id", treeErr.RootTaskID),
			slog.String("error", redact.Error(treeErr.Err)))
	}
	return nil
}

// holdRecoveryLease records lease for release at shutdown. It reports false
// when shutdown has already begun.
func (app *application) holdRecoveryLease(lease *lock.Lease) bool {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.stopped {
		return false
	}
	app.recoveryLease = lease
	return true
}

// dropRecoveryLease marks the application stopped and returns the held
// recovery lease, if any.
func (app *application) dropRecoveryLease() *lock.Lease {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.stopped = true
	lease := app.recoveryLease
	app.recoveryLease = nil
	return lease
}

func (app *application) releaseLease(lease *lock.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		app.logger.Warn("failed to release recovery lock", slog.String("error", redact.Error(err)))
	}
}

// shutdown stops the ops server and the sweeper, flushes the engine, gives up
// the recovery lock and ends the engine's Run loop.
func (app *application) shutdown(stopEngine context.CancelFunc) error {
	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.Engine.ShutdownTimeout)
	defer cancel()
	defer stopEngine()

	app.logger.Info("shutting down task engine")

	var errs []error
	if app.server != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ops server shutdown failed: %w", err))
		}
	}
	if err := app.sweeper.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("lock sweeper stop failed: %w", err))
	}
	if err := app.service.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if lease := app.dropRecoveryLease(); lease != nil {
		app.releaseLease(lease)
	}

	if err := errors.Join(errs...); err != nil {
		app.logger.Error("shutdown incomplete", slog.String("error", redact.Error(err)))
		return err
	}
	app.logger.Info("task engine stopped")
	return nil
}

func (app *application) close() error {
	return app.backend.close()
}
