package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/store"
	"github.com/ramiqadoumi/tbwo/internal/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Repository { return store.NewMemory() })
}

func TestMemory_SnapshotsAreCopies(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	wo := storetest.WorkOrder(t, "wo-1", domain.StatusExecuting, time.Now())
	require.NoError(t, repo.SaveWorkOrder(ctx, wo))

	wo.Plan.Phases[0].Tasks[0].Status = domain.TaskFailed
	got, err := repo.GetWorkOrder(ctx, "wo-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Plan.Phases[0].Tasks[0].Status)
}

func TestFilter_Match(t *testing.T) {
	assert.True(t, store.Filter{}.Match(domain.StatusDraft))
	assert.True(t, store.Active().Match(domain.StatusPausedWaitingForUser))
	assert.False(t, store.Active().Match(domain.StatusCompleted))
	assert.False(t, store.Active().Match(domain.StatusAwaitingApproval))
}
