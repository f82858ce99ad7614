package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/sqlite"
	"github.com/ramiqadoumi/tbwo/internal/store"
	"github.com/ramiqadoumi/tbwo/internal/store/storetest"
)

func open(t *testing.T, path string) store.Repository {
	t.Helper()
	repo, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() }) //nolint:errcheck
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Repository {
		return open(t, filepath.Join(t.TempDir(), "tbwo.db"))
	})
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tbwo.db")

	repo, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, repo.SaveWorkOrder(ctx, storetest.WorkOrder(t, "wo-1", domain.StatusExecuting, time.Now().UTC())))
	require.NoError(t, repo.Close())

	reopened := open(t, path)
	active, err := reopened.ListWorkOrders(ctx, store.Active())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "wo-1", active[0].ID)
}
