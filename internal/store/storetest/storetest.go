// Package storetest holds the behaviour every store.Repository backend must
// share. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/plan"
	"github.com/ramiqadoumi/tbwo/internal/store"
)

// Run exercises repo. newRepo must return an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) store.Repository) {
	t.Run("work order round trip", func(t *testing.T) { testRoundTrip(t, newRepo(t)) })
	t.Run("save is an upsert", func(t *testing.T) { testUpsert(t, newRepo(t)) })
	t.Run("not found", func(t *testing.T) { testNotFound(t, newRepo(t)) })
	t.Run("list filters and orders", func(t *testing.T) { testList(t, newRepo(t)) })
	t.Run("artifacts append once", func(t *testing.T) { testArtifacts(t, newRepo(t)) })
	t.Run("executions", func(t *testing.T) { testExecutions(t, newRepo(t)) })
}

// WorkOrder builds a fully populated work order.
func WorkOrder(t *testing.T, id string, status domain.WorkOrderStatus, created time.Time) *domain.WorkOrder {
	t.Helper()
	p, err := plan.New("plan-"+id, []*domain.Phase{
		{ID: "design", Name: "Design", Tasks: []*domain.Task{{ID: id + "-t1", Name: "Wireframe", Role: domain.RoleDesign, EstimatedMinutes: 10}}},
		{ID: "build", Name: "Build", DependsOn: []string{"design"}, RequiresApproval: true,
			Tasks: []*domain.Task{{ID: id + "-t2", Name: "Page", Role: domain.RoleFrontend, EstimatedMinutes: 20}}},
	})
	require.NoError(t, err)
	return &domain.WorkOrder{
		ID:         id,
		Objective:  "landing page",
		Context:    "bakery in Lisbon",
		Status:     status,
		Quality:    domain.QualityPremium,
		TimeBudget: domain.TimeBudget{TotalMinutes: 60, ElapsedMinutes: 12.5},
		Plan:       p,
		PodIDs:     []string{"pod-design-1"},
		Contract: domain.Contract{
			Scope: domain.Scope{MaxTokens: 1000, MaxCostUSD: 2.5, ForbiddenPaths: []string{"secrets/**"}},
			Usage: domain.ContractUsage{Tokens: 420, CostUSD: 0.0015, ModelCalls: 3},
		},
		Errors:       []domain.ErrorEntry{{TaskID: id + "-t1", Message: "first try failed", CreatedAt: created}},
		PendingPause: &domain.PauseRequest{Question: "Colours?", RequiredFields: []string{"primary"}},
		Answers:      []domain.HumanAnswer{{Answer: "navy", Fields: map[string]string{"primary": "navy"}}},
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func testRoundTrip(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	wo := WorkOrder(t, "wo-1", domain.StatusPausedWaitingForUser, created)

	require.NoError(t, repo.SaveWorkOrder(ctx, wo))
	got, err := repo.GetWorkOrder(ctx, "wo-1")
	require.NoError(t, err)

	assert.Equal(t, wo.Objective, got.Objective)
	assert.Equal(t, wo.Status, got.Status)
	assert.Equal(t, wo.TimeBudget, got.TimeBudget)
	assert.Equal(t, wo.Contract.Usage, got.Contract.Usage)
	assert.Equal(t, wo.Contract.Scope.ForbiddenPaths, got.Contract.Scope.ForbiddenPaths)
	require.NotNil(t, got.Plan)
	require.Len(t, got.Plan.Phases, 2)
	assert.True(t, got.Plan.Phases[1].RequiresApproval)
	assert.Equal(t, "wo-1-t2", got.Plan.Phases[1].Tasks[0].ID)
	require.NotNil(t, got.PendingPause)
	assert.Equal(t, "Colours?", got.PendingPause.Question)
	assert.Equal(t, "navy", got.Answers[0].Fields["primary"])
	assert.True(t, created.Equal(got.CreatedAt))
}

func testUpsert(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	wo := WorkOrder(t, "wo-1", domain.StatusExecuting, time.Now().UTC())
	require.NoError(t, repo.SaveWorkOrder(ctx, wo))

	wo.Status = domain.StatusCompleted
	wo.TimeBudget.ElapsedMinutes = 59
	require.NoError(t, repo.SaveWorkOrder(ctx, wo))

	got, err := repo.GetWorkOrder(ctx, "wo-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.InDelta(t, 59, got.TimeBudget.ElapsedMinutes, 0.0001)

	all, err := repo.ListWorkOrders(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testNotFound(t *testing.T, repo store.Repository) {
	_, err := repo.GetWorkOrder(context.Background(), "missing")
	var nf *domain.WorkOrderNotFoundError
	require.True(t, errors.As(err, &nf), "expected WorkOrderNotFoundError, got %v", err)
	assert.Equal(t, "missing", nf.WorkOrderID)
}

func testList(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	statuses := []domain.WorkOrderStatus{
		domain.StatusExecuting, domain.StatusCompleted, domain.StatusPaused, domain.StatusDraft, domain.StatusCheckpoint,
	}
	for i, s := range statuses {
		require.NoError(t, repo.SaveWorkOrder(ctx, WorkOrder(t, fmt.Sprintf("wo-%d", i), s, base.Add(time.Duration(i)*time.Hour))))
	}

	active, err := repo.ListWorkOrders(ctx, store.Active())
	require.NoError(t, err)
	var ids []string
	for _, wo := range active {
		ids = append(ids, wo.ID)
	}
	assert.Equal(t, []string{"wo-4", "wo-2", "wo-0"}, ids, "active work orders newest first")

	limited, err := repo.ListWorkOrders(ctx, store.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "wo-4", limited[0].ID)
}

func testArtifacts(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	arts := []domain.Artifact{
		{ID: "a1", WorkOrderID: "wo-1", Name: "index", Path: "site/index.html", Type: domain.ArtifactCode,
			Content: "<html>v1</html>", CreatedBy: "pod-frontend-1", CreatorRole: domain.RoleFrontend, PhaseIndex: 1, Version: 1, CreatedAt: at},
		{ID: "a2", WorkOrderID: "wo-1", Name: "index", Path: "site/index.html", Type: domain.ArtifactCode,
			Content: "<html>v2</html>", CreatedBy: "pod-frontend-1", CreatorRole: domain.RoleFrontend, PhaseIndex: 1, Version: 2,
			Supersedes: "a1", CreatedAt: at.Add(time.Minute)},
		{ID: "a3", WorkOrderID: "wo-2", Name: "other", Path: "x.md", Content: "x", Version: 1, CreatedAt: at},
	}
	for _, a := range arts {
		require.NoError(t, repo.SaveArtifact(ctx, a))
	}
	require.NoError(t, repo.SaveArtifact(ctx, arts[0]), "saving the same artifact twice is a no-op")

	got, err := repo.ListArtifacts(ctx, "wo-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "a2", got[1].ID)
	assert.Equal(t, "a1", got[1].Supersedes)
	assert.Equal(t, domain.RoleFrontend, got[1].CreatorRole)
	assert.Equal(t, "<html>v2</html>", got[1].Content)
}

func testExecutions(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	first := &domain.TaskExecution{WorkOrderID: "wo-1", TaskID: "t1", PodID: "pod-1", Model: "mid", Attempt: 1,
		Status: domain.TaskFailed, Error: "timeout", DurationMs: 30000}
	require.NoError(t, repo.RecordExecution(ctx, first))
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.ExecutedAt.IsZero())

	second := &domain.TaskExecution{WorkOrderID: "wo-1", TaskID: "t1", PodID: "pod-1", Model: "mid", Attempt: 2,
		Status: domain.TaskComplete, Tokens: 1200, CostUSD: 0.012, DurationMs: 8000, ExecutedAt: first.ExecutedAt.Add(time.Second)}
	require.NoError(t, repo.RecordExecution(ctx, second))

	got, err := repo.ListExecutions(ctx, "wo-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, "timeout", got[0].Error)
	assert.Equal(t, domain.TaskComplete, got[1].Status)
	assert.EqualValues(t, 1200, got[1].Tokens)
}
