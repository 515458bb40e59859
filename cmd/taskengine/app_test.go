package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/platform/logger"
	"github.com/phrazzld/tasktree/internal/store"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// startApp runs the application until the returned stop func is called.
func startApp(t *testing.T, app *application) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.run(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("application did not stop")
			return nil
		}
	}
}

func TestApplication_RecoversAndServes(t *testing.T) {
	port := freePort(t)
	cfgPath, dbPath := writeConfig(t, port)

	withStores(t, dbPath, func(ctx context.Context, stores store.Stores) {
		for _, snap := range []domain.TaskSnapshot{
			seedRow("build", "build", "", domain.TaskStatusRunning, 0),
			seedRow("compile", "build", "build", domain.TaskStatusPending, 1),
			seedRow("done", "done", "", domain.TaskStatusSuccess, 2),
		} {
			require.NoError(t, stores.Running.Create(ctx, snap))
		}
		require.NoError(t, stores.Contexts.SaveContext(ctx, "build", map[string]any{"branch": "main"}))
	})

	log, logs := logger.GetTestLogger(t)
	app, err := newApplication(context.Background(), loadConfig(t, cfgPath), log)
	require.NoError(t, err)
	defer func() { _ = app.close() }()

	stop := startApp(t, app)

	require.Eventually(t, func() bool {
		_, ok := app.service.Root("build")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	held, err := app.backend.stores.Locks.CheckLock(context.Background(), recoveryLockKey)
	require.NoError(t, err)
	assert.True(t, held, "recovery lock is kept while the engine runs")

	root, _ := app.service.Root("build")
	require.Len(t, root.Children(), 1)
	assert.Equal(t, "compile", root.Children()[0].ID())

	shared, ok := app.service.SharedContext("build")
	require.True(t, ok)
	assert.Equal(t, "main", shared.GetOrDefault("branch", ""))

	require.Eventually(t, func() bool {
		archived, err := app.backend.stores.Completed.FindByID(context.Background(), "done")
		return err == nil && archived.TreeStatus == domain.TaskStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, stop())

	held, err = app.backend.stores.Locks.CheckLock(context.Background(), recoveryLockKey)
	require.NoError(t, err)
	assert.False(t, held)
	logger.AssertLogContains(t, logs, "task engine stopped")
}

func TestApplication_SkipsRecoveryWhenLockHeld(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, 0)
	withStores(t, dbPath, func(ctx context.Context, stores store.Stores) {
		require.NoError(t, stores.Running.Create(ctx, seedRow("build", "build", "", domain.TaskStatusRunning, 0)))
		_, err := stores.Locks.AcquireLock(ctx, recoveryLockKey, "other-instance",
			time.Now().Add(time.Hour), store.LockTypeWorkflow, nil)
		require.NoError(t, err)
	})

	log, logs := logger.GetTestLogger(t)
	app, err := newApplication(context.Background(), loadConfig(t, cfgPath), log)
	require.NoError(t, err)
	defer func() { _ = app.close() }()

	stop := startApp(t, app)
	require.Eventually(t, func() bool {
		entries, err := logs.Entries()
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e["msg"] == "task engine started" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	_, recovered := app.service.Root("build")
	assert.False(t, recovered)
	logger.AssertLogContains(t, logs, "skipping recovery")
	require.NoError(t, stop())
}

func TestNewApplication_InvalidRegistrations(t *testing.T) {
	cfgPath, _ := writeConfig(t, 0)
	cfg := loadConfig(t, cfgPath)
	cfg.Registrations = []domain.Registration{
		{Kind: domain.KindExecutor, Name: "shell"},
		{Kind: domain.KindExecutor, Name: "shell"},
	}

	log, _ := logger.GetTestLogger(t)
	_, err := newApplication(context.Background(), cfg, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid registrations")
}

func TestDefaultOwnerID(t *testing.T) {
	a, b := defaultOwnerID(), defaultOwnerID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
