// Package planner decomposes a work order's objective into a plan.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/llm"
	"github.com/ramiqadoumi/tbwo/internal/plan"
	"github.com/ramiqadoumi/tbwo/internal/router"
	"github.com/ramiqadoumi/tbwo/pkg/retry"
)

// Planner builds a validated plan for a work order.
type Planner interface {
	Plan(ctx context.Context, wo *domain.WorkOrder) (*domain.Plan, error)
}

// Router resolves the model used for planning.
type Router interface {
	Resolve(ctx context.Context, role domain.Role, taskName string) router.Decision
}

// LLM asks the orchestrator model for a JSON plan and falls back to a
// template plan when the model fails or returns an invalid one.
type LLM struct {
	client   llm.Client
	router   Router
	fallback Planner
	retry    retry.Config
	logger   *slog.Logger
}

// Option configures an LLM planner.
type Option func(*LLM)

func WithLogger(l *slog.Logger) Option  { return func(p *LLM) { p.logger = l } }
func WithFallback(f Planner) Option     { return func(p *LLM) { p.fallback = f } }
func WithRetry(cfg retry.Config) Option { return func(p *LLM) { p.retry = cfg } }

// NewLLM creates an LLM planner. The default fallback is Template.
func NewLLM(client llm.Client, rt Router, opts ...Option) *LLM {
	p := &LLM{
		client:   client,
		router:   rt,
		fallback: Template{},
		retry:    retry.Config{MaxAttempts: 2},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.retry.Retryable = func(err error) bool {
		var me *domain.ModelError
		return errors.As(err, &me) && me.Transient()
	}
	return p
}

const systemPrompt = `You are the orchestrator of a team of specialised workers.
Break the objective into phases of tasks. Reply with JSON only, no prose, shaped as:
{"phases":[{"id":"design","name":"Design","depends_on":[],"requires_approval":false,
"tasks":[{"id":"design-1","name":"...","description":"...","role":"design","estimated_minutes":10}]}]}
Roles: %s. Phase ids must be unique, depends_on lists earlier phase ids, and the
estimated minutes of all tasks must fit in %.0f minutes.`

// Plan implements Planner.
func (p *LLM) Plan(ctx context.Context, wo *domain.WorkOrder) (*domain.Plan, error) {
	ctx, span := otel.Tracer("planner").Start(ctx, "planner.plan")
	defer span.End()
	span.SetAttributes(attribute.String("work_order.id", wo.ID))

	log := p.logger.With(slog.String("work_order_id", wo.ID))

	pl, err := p.ask(ctx, wo)
	if err == nil {
		span.SetAttributes(attribute.String("planner.source", "model"))
		return pl, nil
	}
	log.Warn("model plan rejected, using template", slog.String("error", err.Error()))
	span.SetAttributes(attribute.String("planner.source", "template"))
	return p.fallback.Plan(ctx, wo)
}

func (p *LLM) ask(ctx context.Context, wo *domain.WorkOrder) (*domain.Plan, error) {
	roles := make([]string, 0, len(domain.Roles))
	for _, r := range domain.Roles {
		roles = append(roles, string(r))
	}
	user := fmt.Sprintf("Objective: %s\nQuality target: %s\nTime budget: %.0f minutes",
		wo.Objective, wo.Quality, wo.TimeBudget.TotalMinutes)
	if wo.Context != "" {
		user += "\nContext: " + wo.Context
	}
	req := llm.Request{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(systemPrompt, strings.Join(roles, ", "), wo.TimeBudget.TotalMinutes)},
		{Role: llm.RoleUser, Content: user},
	}}

	d := p.router.Resolve(ctx, domain.RoleOrchestrator, "plan work order")
	var last error
	for _, target := range d.Chain() {
		req.Model = target.Model
		var resp llm.Response
		err := retry.Do(ctx, p.retry, func() error {
			var callErr error
			resp, callErr = p.client.Complete(ctx, target.Provider, req)
			return callErr
		})
		if err != nil {
			last = err
			continue
		}
		return Parse(resp.Content)
	}
	return nil, fmt.Errorf("plan model unavailable: %w", last)
}

type draftPlan struct {
	Phases []struct {
		ID               string   `json:"id"`
		Name             string   `json:"name"`
		DependsOn        []string `json:"depends_on"`
		RequiresApproval bool     `json:"requires_approval"`
		Tasks            []struct {
			ID               string  `json:"id"`
			Name             string  `json:"name"`
			Description      string  `json:"description"`
			Role             string  `json:"role"`
			EstimatedMinutes float64 `json:"estimated_minutes"`
		} `json:"tasks"`
	} `json:"phases"`
}

// Parse reads a model's JSON plan. Surrounding prose and code fences are
// ignored; missing task IDs are derived from the phase ID.
func Parse(content string) (*domain.Plan, error) {
	start, end := strings.Index(content, "{"), strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in model reply")
	}
	var draft draftPlan
	if err := json.Unmarshal([]byte(content[start:end+1]), &draft); err != nil {
		return nil, fmt.Errorf("decode model plan: %w", err)
	}

	var problems []string
	phases := make([]*domain.Phase, 0, len(draft.Phases))
	for _, dp := range draft.Phases {
		ph := &domain.Phase{
			ID:               dp.ID,
			Name:             dp.Name,
			DependsOn:        dp.DependsOn,
			RequiresApproval: dp.RequiresApproval,
		}
		if ph.Name == "" {
			ph.Name = ph.ID
		}
		for i, dt := range dp.Tasks {
			role, err := domain.ParseRole(dt.Role)
			if err != nil {
				problems = append(problems, fmt.Sprintf("phase %q: %v", dp.ID, err))
				continue
			}
			id := dt.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d", dp.ID, i+1)
			}
			ph.Tasks = append(ph.Tasks, &domain.Task{
				ID:               id,
				Name:             dt.Name,
				Description:      dt.Description,
				Role:             role,
				EstimatedMinutes: dt.EstimatedMinutes,
			})
		}
		phases = append(phases, ph)
	}
	if len(problems) > 0 {
		return nil, &domain.PlanValidationError{Problems: problems}
	}
	return plan.New(uuid.NewString(), phases)
}
