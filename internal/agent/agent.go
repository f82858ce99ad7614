// Package agent runs one task on one pod: it alternates model calls and
// tool calls until the model answers without requesting tools.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/tbwo/internal/contract"
	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/llm"
	"github.com/ramiqadoumi/tbwo/internal/prompt"
	"github.com/ramiqadoumi/tbwo/internal/router"
	"github.com/ramiqadoumi/tbwo/pkg/retry"
	"github.com/ramiqadoumi/tbwo/pkg/telemetry"
)

// DefaultMaxIterations caps model turns per task.
const DefaultMaxIterations = 12

const kickoff = "Begin the task now. Use tools as needed; when you are done, reply with a short summary of what you produced and no tool calls."

// Env is the work-order side of a running task. The scheduler implements it.
type Env interface {
	// Barrier blocks while the work order is suspended and returns the
	// human answers that arrived meanwhile. It fails once the work order
	// can no longer run.
	Barrier(ctx context.Context, podID string) ([]domain.HumanAnswer, error)
	Check(op contract.Operation) contract.ValidationResult
	RecordUsage(u contract.Usage)
	PauseAndAsk(podID, taskID string, in domain.PauseAndAskInput) error
	PutArtifact(a domain.Artifact) (domain.Artifact, error)
	FetchArtifact(path, id string) (domain.Artifact, bool)
	Send(from, to string, payload domain.MessagePayload) int
	ReportQualityCheck(name string, passed bool, taskID, podID string)
}

// Router picks the model for a task and learns from call outcomes.
type Router interface {
	Resolve(ctx context.Context, role domain.Role, taskName string) router.Decision
	Observe(ctx context.Context, model string, success bool)
	Spec(model string) (router.ModelSpec, bool)
}

// ToolExecutor runs registry tools.
type ToolExecutor interface {
	Execute(ctx context.Context, call domain.ToolCall) domain.ToolResult
	Specs(allowed []string) []domain.ToolSpec
}

// Assignment is one task bound to one pod.
type Assignment struct {
	WorkOrderID string
	Task        domain.Task
	PhaseID     string
	PhaseIndex  int
	Pod         domain.Pod
	Prompt      prompt.Prompt
}

// Outcome is what a task run produced.
type Outcome struct {
	Summary    string
	Artifacts  []domain.Artifact
	Model      string
	Decision   router.Decision
	Tokens     int64
	CostUSD    float64
	ModelCalls int64
	Iterations int
}

// Runner executes assignments.
type Runner struct {
	llm           llm.Client
	router        Router
	tools         ToolExecutor
	maxIterations int
	retry         retry.Config
	logger        *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(l *slog.Logger) Option  { return func(r *Runner) { r.logger = l } }
func WithMaxIterations(n int) Option    { return func(r *Runner) { r.maxIterations = n } }
func WithRetry(cfg retry.Config) Option { return func(r *Runner) { r.retry = cfg } }

// New creates a Runner. Transient model errors are retried three times per
// model with quadratic backoff before moving down the fallback chain.
func New(client llm.Client, rt Router, tools ToolExecutor, opts ...Option) *Runner {
	r := &Runner{
		llm:           client,
		router:        rt,
		tools:         tools,
		maxIterations: DefaultMaxIterations,
		retry: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.retry.Retryable = transient
	return r
}

func transient(err error) bool {
	var me *domain.ModelError
	return errors.As(err, &me) && me.Transient()
}

// Run executes a.Task on a.Pod. The task fails when it produces neither a
// summary nor an artifact.
func (r *Runner) Run(ctx context.Context, env Env, a Assignment) (Outcome, error) {
	ctx, span := otel.Tracer("agent").Start(ctx, "agent.run_task")
	defer span.End()

	log := r.logger.With(
		slog.String("work_order_id", a.WorkOrderID),
		slog.String("task_id", a.Task.ID),
		slog.String("pod_id", a.Pod.ID),
	)

	out := Outcome{Decision: r.router.Resolve(ctx, a.Pod.Role, a.Task.Name)}
	span.SetAttributes(
		attribute.String("task.id", a.Task.ID),
		attribute.String("pod.role", string(a.Pod.Role)),
		attribute.String("model.primary", out.Decision.Model),
	)
	log.Debug("routed task", slog.String("model", out.Decision.Model), slog.String("reason", out.Decision.Reason))

	specs := append(r.tools.Specs(a.Pod.Tools), interceptedSpecs...)
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: a.Prompt.Text},
		{Role: llm.RoleUser, Content: kickoff},
	}

	for out.Iterations < r.maxIterations {
		answers, err := env.Barrier(ctx, a.Pod.ID)
		if err != nil {
			return r.fail(span, out, err)
		}
		if len(answers) > 0 {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: renderAnswers(answers)})
		}
		out.Iterations++

		guard := env.Check(contract.Operation{
			Kind:             contract.OpModel,
			EstimatedTokens:  estimate(msgs),
			EstimatedCostUSD: r.estimateCost(out.Decision.Model, estimate(msgs)),
			TaskID:           a.Task.ID,
			PhaseID:          a.PhaseID,
			PodID:            a.Pod.ID,
		})
		if !guard.Allowed {
			return r.fail(span, out, fmt.Errorf("model call denied: %s", guard.Violations[0].Message))
		}
		for _, w := range guard.Warnings {
			log.Warn("contract warning", slog.String("warning", w))
		}

		resp, err := r.complete(ctx, log, out.Decision, llm.Request{Messages: msgs, Tools: specs})
		if err != nil {
			return r.fail(span, out, err)
		}
		cost := r.cost(resp)
		out.Model = resp.Model
		out.Tokens += resp.Tokens()
		out.CostUSD += cost
		out.ModelCalls++
		env.RecordUsage(contract.Usage{
			Tokens:     resp.Tokens(),
			CostUSD:    cost,
			ModelCalls: 1,
			TaskID:     a.Task.ID,
			PodID:      a.Pod.ID,
		})
		telemetry.TokensConsumed.WithLabelValues(resp.Model).Add(float64(resp.Tokens()))
		telemetry.CostUSD.WithLabelValues(resp.Model).Add(cost)

		if len(resp.ToolCalls) == 0 {
			return r.finish(span, a, out, resp.Content)
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			res := r.dispatch(ctx, env, a, call, &out)
			data, _ := json.Marshal(res)
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: string(data)})
		}
	}
	return r.fail(span, out, &domain.IterationLimitError{TaskID: a.Task.ID, Limit: r.maxIterations})
}

// finish accepts the model's final reply. The summary travels back on the
// Outcome and is kept on the task; only write_artifact calls produce
// artifacts, so downstream phases see deliverables and nothing else.
func (r *Runner) finish(span trace.Span, a Assignment, out Outcome, content string) (Outcome, error) {
	out.Summary = strings.TrimSpace(content)
	if out.Summary == "" && len(out.Artifacts) == 0 {
		err := fmt.Errorf("task %s produced no output", a.Task.ID)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	return out, nil
}

func (r *Runner) fail(span trace.Span, out Outcome, err error) (Outcome, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "task failed")
	return out, err
}

// complete walks the decision's chain. Each model is retried on transient
// errors; any final failure moves on to the next model.
func (r *Runner) complete(ctx context.Context, log *slog.Logger, d router.Decision, req llm.Request) (llm.Response, error) {
	var tried []string
	var last error
	for _, target := range d.Chain() {
		req.Model = target.Model
		cfg := r.retry
		cfg.OnRetry = func(attempt int, err error) {
			telemetry.ModelRetries.WithLabelValues(target.Model).Inc()
			log.Warn("model call failed, retrying",
				slog.String("model", target.Model),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}

		var resp llm.Response
		err := retry.Do(ctx, cfg, func() error {
			var callErr error
			resp, callErr = r.llm.Complete(ctx, target.Provider, req)
			return callErr
		})
		if ctx.Err() != nil {
			return llm.Response{}, ctx.Err()
		}
		r.router.Observe(ctx, target.Model, err == nil)
		if err == nil {
			resp.Model = target.Model
			return resp, nil
		}

		tried = append(tried, target.Model)
		last = err
		telemetry.ModelFallbacks.WithLabelValues(target.Model).Inc()
		log.Warn("model failed, falling back", slog.String("model", target.Model), slog.String("error", err.Error()))
	}
	return llm.Response{}, &domain.ModelChainExhaustedError{Models: tried, Last: last}
}

// dispatch runs one tool call and never returns an error: failures become
// failed results the model can react to.
func (r *Runner) dispatch(ctx context.Context, env Env, a Assignment, call domain.ToolCall, out *Outcome) domain.ToolResult {
	op := contract.Operation{
		Kind:    contract.OpTool,
		Path:    pathOf(call.Input),
		TaskID:  a.Task.ID,
		PhaseID: a.PhaseID,
		PodID:   a.Pod.ID,
	}
	intercepted := isIntercepted(call.Name)
	if !intercepted {
		op.Tool = call.Name
		if !slices.Contains(a.Pod.Tools, call.Name) {
			return domain.ToolFail(&domain.ToolDeniedError{Name: call.Name, Reason: "not available to a " + string(a.Pod.Role) + " pod"})
		}
	}
	if v := env.Check(op); !v.Allowed {
		return domain.ToolFail(&domain.ToolDeniedError{Name: call.Name, Reason: v.Violations[0].Message})
	}
	if !intercepted {
		return r.tools.Execute(ctx, call)
	}

	switch call.Name {
	case domain.ToolPauseAndAsk:
		var in domain.PauseAndAskInput
		if err := json.Unmarshal(call.Input, &in); err != nil || strings.TrimSpace(in.Question) == "" {
			return domain.ToolFail(errors.New("request_pause_and_ask needs a question"))
		}
		if err := env.PauseAndAsk(a.Pod.ID, a.Task.ID, in); err != nil {
			return domain.ToolFail(err)
		}
		return domain.ToolOK("The work order is paused. The human answer will be added to this conversation before your next turn.")

	case domain.ToolWriteArtifact:
		var in domain.WriteArtifactInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return domain.ToolFail(fmt.Errorf("invalid write_artifact input: %w", err))
		}
		saved, err := env.PutArtifact(domain.Artifact{
			Name:        in.Name,
			Path:        in.Path,
			Type:        in.Type,
			Content:     in.Content,
			CreatedBy:   a.Pod.ID,
			CreatorRole: a.Pod.Role,
			PhaseIndex:  a.PhaseIndex,
			TaskID:      a.Task.ID,
		})
		if err != nil {
			return domain.ToolFail(err)
		}
		out.Artifacts = append(out.Artifacts, saved)
		return domain.ToolOK(fmt.Sprintf("saved %s as version %d (id %s)", saved.Key(), saved.Version, saved.ID))

	case domain.ToolFetchArtifact:
		var in domain.FetchArtifactInput
		_ = json.Unmarshal(call.Input, &in)
		art, ok := env.FetchArtifact(in.Path, in.ID)
		if !ok {
			return domain.ToolFail(fmt.Errorf("no artifact at path %q or id %q", in.Path, in.ID))
		}
		return domain.ToolOK(art.Content)

	case domain.ToolSendMessage:
		var in domain.SendMessageInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return domain.ToolFail(fmt.Errorf("invalid send_message input: %w", err))
		}
		payload, err := in.Payload()
		if err != nil {
			return domain.ToolFail(err)
		}
		n := env.Send(a.Pod.ID, in.To, payload)
		return domain.ToolOK(fmt.Sprintf("delivered to %d pod(s)", n))

	case domain.ToolReportQualityCheck:
		var in domain.ReportQualityCheckInput
		if err := json.Unmarshal(call.Input, &in); err != nil || in.Name == "" {
			return domain.ToolFail(errors.New("report_quality_check needs a name"))
		}
		env.ReportQualityCheck(in.Name, in.Passed, a.Task.ID, a.Pod.ID)
		return domain.ToolOK("recorded")
	}
	return domain.ToolFail(&domain.UnknownToolError{Name: call.Name})
}

func (r *Runner) cost(resp llm.Response) float64 {
	spec, ok := r.router.Spec(resp.Model)
	if !ok {
		return 0
	}
	return spec.Cost(resp.InputTokens, resp.OutputTokens)
}

func (r *Runner) estimateCost(model string, tokens int64) float64 {
	spec, ok := r.router.Spec(model)
	if !ok {
		return 0
	}
	return spec.Cost(tokens, 0)
}

func estimate(msgs []llm.Message) int64 {
	var n int
	for _, m := range msgs {
		n += prompt.EstimateTokens(m.Content)
		for _, tc := range m.ToolCalls {
			n += prompt.EstimateTokens(string(tc.Input))
		}
	}
	return int64(n)
}

func renderAnswers(answers []domain.HumanAnswer) string {
	var b strings.Builder
	b.WriteString("The human answered while you were paused:\n")
	for _, a := range answers {
		if a.Question != "" {
			fmt.Fprintf(&b, "Q: %s\n", a.Question)
		}
		fmt.Fprintf(&b, "A: %s\n", a.Answer)
		for _, k := range slices.Sorted(maps.Keys(a.Fields)) {
			fmt.Fprintf(&b, "  %s: %s\n", k, a.Fields[k])
		}
	}
	return b.String()
}
