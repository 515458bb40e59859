//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/tasktree/internal/platform/postgres"
	"github.com/phrazzld/tasktree/internal/store"
	"github.com/phrazzld/tasktree/internal/store/storetest"
	"github.com/phrazzld/tasktree/internal/testdb"
)

func TestStores(t *testing.T) {
	storetest.Run(t, func(t *testing.T, now func() time.Time) store.Stores {
		return postgres.NewStores(testdb.OpenPostgres(t), testdb.Logger(), postgres.WithClock(now))
	})
}

func TestMigrationsApplied(t *testing.T) {
	db := testdb.OpenPostgres(t)
	ctx := context.Background()

	provider, err := postgres.NewMigrationProvider(db, testdb.Logger())
	require.NoError(t, err)

	pending, err := provider.HasPending(ctx)
	require.NoError(t, err)
	assert.False(t, pending)

	statuses, err := provider.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 5)
	for _, st := range statuses {
		assert.Equal(t, goose.StateApplied, st.State, st.Source.Path)
	}
}
