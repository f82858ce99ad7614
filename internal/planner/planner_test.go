package planner

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/llm"
	"github.com/ramiqadoumi/tbwo/internal/plan"
	"github.com/ramiqadoumi/tbwo/internal/router"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

type fakeLLM struct {
	content string
	errs    map[string]error
	models  []string
}

func (f *fakeLLM) Complete(_ context.Context, _ string, req llm.Request) (llm.Response, error) {
	f.models = append(f.models, req.Model)
	if err := f.errs[req.Model]; err != nil {
		return llm.Response{}, err
	}
	return llm.Response{Content: f.content}, nil
}

type fixedRouter struct{}

func (fixedRouter) Resolve(context.Context, domain.Role, string) router.Decision {
	return router.Decision{Provider: "p", Model: "top", FallbackChain: []router.Target{{Provider: "p", Model: "mid"}}}
}

// ── helpers ───────────────────────────────────────────────────────────────────

func workOrder(q domain.QualityTarget) *domain.WorkOrder {
	return &domain.WorkOrder{
		ID:         "wo-1",
		Objective:  "a landing page for a bakery",
		Quality:    q,
		TimeBudget: domain.TimeBudget{TotalMinutes: 60},
	}
}

const modelPlan = "Here is the plan:\n```json\n" + `{"phases":[
 {"id":"design","name":"Design","tasks":[{"name":"Wireframe","description":"wireframe it","role":"design","estimated_minutes":10}]},
 {"id":"build","name":"Build","depends_on":["design"],"requires_approval":true,
  "tasks":[{"id":"b1","name":"Page","role":"Frontend","estimated_minutes":30}]}]}` + "\n```"

// ── tests ─────────────────────────────────────────────────────────────────────

func TestParse_ModelPlan(t *testing.T) {
	p, err := Parse(modelPlan)
	require.NoError(t, err)
	require.Len(t, p.Phases, 2)
	assert.Equal(t, "design-1", p.Phases[0].Tasks[0].ID)
	assert.Equal(t, domain.RoleFrontend, p.Phases[1].Tasks[0].Role)
	assert.True(t, p.Phases[1].RequiresApproval)

	ready := plan.ReadyTasks(p)
	require.Len(t, ready, 1)
	assert.Equal(t, "design-1", ready[0].ID)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no json", "I cannot do that"},
		{"bad json", "{phases: nope}"},
		{"unknown role", `{"phases":[{"id":"a","tasks":[{"name":"x","role":"wizard"}]}]}`},
		{"cycle", `{"phases":[{"id":"a","depends_on":["b"],"tasks":[{"name":"x","role":"qa"}]},
			{"id":"b","depends_on":["a"],"tasks":[{"name":"y","role":"qa"}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content)
			assert.Error(t, err)
		})
	}
}

func TestLLM_UsesModelPlan(t *testing.T) {
	client := &fakeLLM{content: modelPlan}
	p, err := NewLLM(client, fixedRouter{}).Plan(context.Background(), workOrder(domain.QualityStandard))
	require.NoError(t, err)
	assert.Equal(t, "design", p.Phases[0].ID)
	assert.Equal(t, []string{"top"}, client.models)
}

func TestLLM_FallsBackDownTheChain(t *testing.T) {
	client := &fakeLLM{
		content: modelPlan,
		errs:    map[string]error{"top": &domain.ModelError{StatusCode: http.StatusBadRequest}},
	}
	_, err := NewLLM(client, fixedRouter{}).Plan(context.Background(), workOrder(domain.QualityStandard))
	require.NoError(t, err)
	assert.Equal(t, []string{"top", "mid"}, client.models)
}

func TestLLM_InvalidReplyUsesTemplate(t *testing.T) {
	client := &fakeLLM{content: "sorry"}
	p, err := NewLLM(client, fixedRouter{}).Plan(context.Background(), workOrder(domain.QualityStandard))
	require.NoError(t, err)
	assert.Equal(t, "design", p.Phases[0].ID)
	assert.Equal(t, "qa", p.Phases[len(p.Phases)-1].ID)
}

func TestLLM_ModelDownUsesTemplate(t *testing.T) {
	down := errors.New("connection refused")
	client := &fakeLLM{errs: map[string]error{"top": down, "mid": down}}
	p, err := NewLLM(client, fixedRouter{}).Plan(context.Background(), workOrder(domain.QualityDraft))
	require.NoError(t, err)
	assert.Len(t, p.Phases, 2)
}

func TestTemplate_DepthFollowsQuality(t *testing.T) {
	tests := []struct {
		quality domain.QualityTarget
		phases  []string
		tasks   int
	}{
		{domain.QualityDraft, []string{"design", "build"}, 2},
		{domain.QualityStandard, []string{"design", "build", "qa"}, 4},
		{domain.QualityPremium, []string{"research", "design", "build", "qa"}, 6},
		{domain.QualityMaximum, []string{"research", "design", "build", "qa"}, 7},
	}
	for _, tt := range tests {
		t.Run(string(tt.quality), func(t *testing.T) {
			p, err := Template{}.Plan(context.Background(), workOrder(tt.quality))
			require.NoError(t, err)

			var ids []string
			var tasks int
			var minutes float64
			for i, ph := range p.Phases {
				ids = append(ids, ph.ID)
				tasks += len(ph.Tasks)
				if i > 0 {
					assert.Equal(t, []string{p.Phases[i-1].ID}, ph.DependsOn)
				}
				for _, task := range ph.Tasks {
					minutes += task.EstimatedMinutes
					assert.Contains(t, task.Description, "bakery")
				}
			}
			assert.Equal(t, tt.phases, ids)
			assert.Equal(t, tt.tasks, tasks)
			assert.InDelta(t, 60, minutes, 0.001)
		})
	}
}

func TestTemplate_PremiumDesignNeedsApproval(t *testing.T) {
	p, err := Template{}.Plan(context.Background(), workOrder(domain.QualityPremium))
	require.NoError(t, err)
	ph, _ := plan.PhaseOf(p, "design-1")
	require.NotNil(t, ph)
	assert.True(t, ph.RequiresApproval)
}
