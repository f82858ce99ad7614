package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/scheduler"
	"github.com/ramiqadoumi/tbwo/internal/store"
	"github.com/ramiqadoumi/tbwo/pkg/telemetry"
	"github.com/ramiqadoumi/tbwo/services/engine/middleware"
)

// Engine is the work order API served over HTTP. *scheduler.Scheduler
// implements it.
type Engine interface {
	Create(ctx context.Context, req scheduler.CreateRequest) (*domain.WorkOrder, error)
	Plan(ctx context.Context, id string) (*domain.WorkOrder, error)
	SetPlan(ctx context.Context, id string, p *domain.Plan) (*domain.WorkOrder, error)
	Approve(ctx context.Context, id string) (*domain.WorkOrder, error)
	Pause(ctx context.Context, id, reason string) (*domain.WorkOrder, error)
	RequestPause(ctx context.Context, id string, p domain.PauseRequest) (*domain.WorkOrder, error)
	Resume(ctx context.Context, id string, req scheduler.ResumeRequest) (*domain.WorkOrder, error)
	Cancel(ctx context.Context, id, reason string) (*domain.WorkOrder, error)
	Acknowledge(ctx context.Context, id, violationID, by string) error
	Get(ctx context.Context, id string) (*domain.WorkOrder, error)
	Status(ctx context.Context, id string) (domain.LiveStatus, error)
	List(ctx context.Context, f store.Filter) ([]*domain.WorkOrder, error)
	Artifacts(ctx context.Context, id string) ([]domain.Artifact, error)
	Executions(ctx context.Context, id string) ([]domain.TaskExecution, error)
	Pods(ctx context.Context, id string) ([]domain.Pod, error)
	SkipTask(ctx context.Context, id, taskID, by string) (*domain.WorkOrder, error)
	RetryTask(ctx context.Context, id, taskID, by string) (*domain.WorkOrder, error)
	AllPods() []domain.Pod
	ResetPod(ctx context.Context, podID string) (domain.Pod, error)
	TerminatePod(ctx context.Context, podID string) (domain.Pod, error)
}

// StatusReader serves cached live status.
type StatusReader interface {
	GetStatus(ctx context.Context, workOrderID string) (domain.LiveStatus, error)
}

// ReadyFunc reports whether the backing services are reachable.
type ReadyFunc func(ctx context.Context) error

// REST handles HTTP requests for the engine.
type REST struct {
	engine Engine
	status StatusReader
	ready  ReadyFunc
	logger *slog.Logger
}

// Option configures a REST handler.
type Option func(*REST)

// WithStatusReader serves GET /status from a cache before falling back to
// the engine.
func WithStatusReader(s StatusReader) Option { return func(h *REST) { h.status = s } }
func WithReadiness(f ReadyFunc) Option       { return func(h *REST) { h.ready = f } }

// NewREST creates a new REST handler.
func NewREST(engine Engine, logger *slog.Logger, opts ...Option) *REST {
	h := &REST{engine: engine, logger: logger}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Mount registers the API routes on r.
func (h *REST) Mount(r chi.Router) {
	r.Route("/work-orders", func(r chi.Router) {
		r.Post("/", h.CreateWorkOrder)
		r.Get("/", h.ListWorkOrders)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetWorkOrder)
			r.Get("/status", h.GetStatus)
			r.Post("/plan", h.PlanWorkOrder)
			r.Put("/plan", h.SetPlan)
			r.Post("/approve", h.Approve)
			r.Post("/pause", h.Pause)
			r.Post("/questions", h.Ask)
			r.Post("/resume", h.Resume)
			r.Post("/cancel", h.Cancel)
			r.Get("/artifacts", h.ListArtifacts)
			r.Get("/executions", h.ListExecutions)
			r.Get("/pods", h.ListPods)
			r.Get("/violations", h.ListViolations)
			r.Post("/violations/{violationID}/acknowledge", h.Acknowledge)
			r.Post("/tasks/{taskID}/skip", h.SkipTask)
			r.Post("/tasks/{taskID}/retry", h.RetryTask)
		})
	})
	r.Route("/pods", func(r chi.Router) {
		r.Get("/", h.ListAllPods)
		r.Post("/{podID}/reset", h.ResetPod)
		r.Post("/{podID}/terminate", h.TerminatePod)
	})
}

// CreateRequest is the JSON body for POST /api/v1/work-orders.
type CreateRequest struct {
	Objective      string                     `json:"objective"`
	Context        string                     `json:"context,omitempty"`
	Quality        domain.QualityTarget       `json:"quality,omitempty"`
	TotalMinutes   float64                    `json:"total_minutes"`
	Scope          domain.Scope               `json:"scope"`
	Requirements   domain.QualityRequirements `json:"quality_requirements"`
	StopConditions []domain.StopCondition     `json:"stop_conditions,omitempty"`
	Plan           *domain.Plan               `json:"plan,omitempty"`
}

// ResumeRequest is the JSON body for POST /work-orders/{id}/resume.
type ResumeRequest struct {
	Answer     string            `json:"answer,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	AnsweredBy string            `json:"answered_by,omitempty"`
	Budget     *struct {
		TotalMinutes float64 `json:"total_minutes,omitempty"`
		MaxTokens    int64   `json:"max_tokens,omitempty"`
		MaxCostUSD   float64 `json:"max_cost_usd,omitempty"`
	} `json:"budget,omitempty"`
	Force bool `json:"force,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// CreateWorkOrder handles POST /api/v1/work-orders.
func (h *REST) CreateWorkOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("engine").Start(r.Context(), "engine.create_work_order")
	defer span.End()

	var req CreateRequest
	if !decode(w, r, &req) {
		return
	}
	wo, err := h.engine.Create(ctx, scheduler.CreateRequest{
		Objective:      req.Objective,
		Context:        req.Context,
		Quality:        req.Quality,
		TotalMinutes:   req.TotalMinutes,
		Scope:          req.Scope,
		Requirements:   req.Requirements,
		StopConditions: req.StopConditions,
		Plan:           req.Plan,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		h.fail(w, "create", err)
		return
	}
	span.SetAttributes(attribute.String("work_order.id", wo.ID))
	h.respond(w, "create", http.StatusCreated, wo)
}

// ListWorkOrders handles GET /api/v1/work-orders?status=a,b&limit=n.
func (h *REST) ListWorkOrders(w http.ResponseWriter, r *http.Request) {
	var f store.Filter
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, domain.WorkOrderStatus(strings.TrimSpace(s)))
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.fail(w, "list", &domain.InvalidRequestError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		f.Limit = n
	}
	wos, err := h.engine.List(r.Context(), f)
	if err != nil {
		h.fail(w, "list", err)
		return
	}
	if wos == nil {
		wos = []*domain.WorkOrder{}
	}
	h.respond(w, "list", http.StatusOK, wos)
}

// GetWorkOrder handles GET /api/v1/work-orders/{id}.
func (h *REST) GetWorkOrder(w http.ResponseWriter, r *http.Request) {
	wo, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	h.reply(w, "get", wo, err)
}

// GetStatus handles GET /api/v1/work-orders/{id}/status. The cache is read
// first; a miss falls back to the engine.
func (h *REST) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	if h.status != nil {
		st, err := h.status.GetStatus(ctx, id)
		if err == nil {
			h.respond(w, "status", http.StatusOK, st)
			return
		}
		var notFound *domain.WorkOrderNotFoundError
		if !errors.As(err, &notFound) {
			h.logger.Warn("status cache read failed", slog.String("work_order_id", id), slog.String("error", err.Error()))
		}
	}
	st, err := h.engine.Status(ctx, id)
	h.reply(w, "status", st, err)
}

// PlanWorkOrder handles POST /api/v1/work-orders/{id}/plan.
func (h *REST) PlanWorkOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("engine").Start(r.Context(), "engine.plan_work_order")
	defer span.End()
	wo, err := h.engine.Plan(ctx, chi.URLParam(r, "id"))
	if err != nil {
		span.RecordError(err)
	}
	h.reply(w, "plan", wo, err)
}

// SetPlan handles PUT /api/v1/work-orders/{id}/plan.
func (h *REST) SetPlan(w http.ResponseWriter, r *http.Request) {
	var p domain.Plan
	if !decode(w, r, &p) {
		return
	}
	wo, err := h.engine.SetPlan(r.Context(), chi.URLParam(r, "id"), &p)
	h.reply(w, "set_plan", wo, err)
}

// Approve handles POST /api/v1/work-orders/{id}/approve.
func (h *REST) Approve(w http.ResponseWriter, r *http.Request) {
	wo, err := h.engine.Approve(r.Context(), chi.URLParam(r, "id"))
	h.reply(w, "approve", wo, err)
}

// Pause handles POST /api/v1/work-orders/{id}/pause.
func (h *REST) Pause(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "paused by " + actor(r)
	}
	wo, err := h.engine.Pause(r.Context(), chi.URLParam(r, "id"), req.Reason)
	h.reply(w, "pause", wo, err)
}

// Ask handles POST /api/v1/work-orders/{id}/questions: an operator parks
// the work order on a question of their own.
func (h *REST) Ask(w http.ResponseWriter, r *http.Request) {
	var req domain.PauseRequest
	if !decode(w, r, &req) {
		return
	}
	req.PodID, req.TaskID = "", ""
	if req.Reason == "" {
		req.Reason = "operator question from " + actor(r)
	}
	wo, err := h.engine.RequestPause(r.Context(), chi.URLParam(r, "id"), req)
	h.reply(w, "ask", wo, err)
}

// Resume handles POST /api/v1/work-orders/{id}/resume.
func (h *REST) Resume(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("engine").Start(r.Context(), "engine.resume_work_order")
	defer span.End()

	var req ResumeRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	by := actor(r)
	in := scheduler.ResumeRequest{Force: req.Force, By: by}
	if strings.TrimSpace(req.Answer) != "" || len(req.Fields) > 0 {
		answeredBy := req.AnsweredBy
		if answeredBy == "" {
			answeredBy = by
		}
		in.Answer = &domain.HumanAnswer{Answer: req.Answer, Fields: req.Fields, AnsweredBy: answeredBy}
	}
	if req.Budget != nil {
		in.Budget = &scheduler.BudgetExtension{
			TotalMinutes: req.Budget.TotalMinutes,
			MaxTokens:    req.Budget.MaxTokens,
			MaxCostUSD:   req.Budget.MaxCostUSD,
		}
	}
	wo, err := h.engine.Resume(ctx, chi.URLParam(r, "id"), in)
	if err != nil {
		span.RecordError(err)
	}
	h.reply(w, "resume", wo, err)
}

// Cancel handles POST /api/v1/work-orders/{id}/cancel.
func (h *REST) Cancel(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by " + actor(r)
	}
	wo, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	h.reply(w, "cancel", wo, err)
}

// ListArtifacts handles GET /api/v1/work-orders/{id}/artifacts.
func (h *REST) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := h.engine.Artifacts(r.Context(), chi.URLParam(r, "id"))
	if arts == nil {
		arts = []domain.Artifact{}
	}
	h.reply(w, "artifacts", arts, err)
}

// ListExecutions handles GET /api/v1/work-orders/{id}/executions.
func (h *REST) ListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := h.engine.Executions(r.Context(), chi.URLParam(r, "id"))
	if execs == nil {
		execs = []domain.TaskExecution{}
	}
	h.reply(w, "executions", execs, err)
}

// ListPods handles GET /api/v1/work-orders/{id}/pods.
func (h *REST) ListPods(w http.ResponseWriter, r *http.Request) {
	pods, err := h.engine.Pods(r.Context(), chi.URLParam(r, "id"))
	if pods == nil {
		pods = []domain.Pod{}
	}
	h.reply(w, "pods", pods, err)
}

// ListViolations handles GET /api/v1/work-orders/{id}/violations. With
// ?unacknowledged=true only open violations are returned.
func (h *REST) ListViolations(w http.ResponseWriter, r *http.Request) {
	wo, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "violations", err)
		return
	}
	open := r.URL.Query().Get("unacknowledged") == "true"
	out := make([]domain.Violation, 0, len(wo.Contract.Violations))
	for _, v := range wo.Contract.Violations {
		if open && v.Acknowledged {
			continue
		}
		out = append(out, v)
	}
	h.respond(w, "violations", http.StatusOK, out)
}

// Acknowledge handles POST /api/v1/work-orders/{id}/violations/{violationID}/acknowledge.
func (h *REST) Acknowledge(w http.ResponseWriter, r *http.Request) {
	err := h.engine.Acknowledge(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "violationID"), actor(r))
	if err != nil {
		h.fail(w, "acknowledge", err)
		return
	}
	telemetry.APIRequests.WithLabelValues("acknowledge", "2xx").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// SkipTask handles POST /api/v1/work-orders/{id}/tasks/{taskID}/skip.
func (h *REST) SkipTask(w http.ResponseWriter, r *http.Request) {
	wo, err := h.engine.SkipTask(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "taskID"), actor(r))
	h.reply(w, "skip_task", wo, err)
}

// RetryTask handles POST /api/v1/work-orders/{id}/tasks/{taskID}/retry.
func (h *REST) RetryTask(w http.ResponseWriter, r *http.Request) {
	wo, err := h.engine.RetryTask(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "taskID"), actor(r))
	h.reply(w, "retry_task", wo, err)
}

// ListAllPods handles GET /api/v1/pods.
func (h *REST) ListAllPods(w http.ResponseWriter, _ *http.Request) {
	pods := h.engine.AllPods()
	if pods == nil {
		pods = []domain.Pod{}
	}
	h.respond(w, "all_pods", http.StatusOK, pods)
}

// ResetPod handles POST /api/v1/pods/{podID}/reset.
func (h *REST) ResetPod(w http.ResponseWriter, r *http.Request) {
	podID := chi.URLParam(r, "podID")
	pod, err := h.engine.ResetPod(r.Context(), podID)
	if err == nil {
		h.logger.Info("pod reset by operator", slog.String("pod_id", podID), slog.String("by", actor(r)))
	}
	h.reply(w, "reset_pod", pod, err)
}

// TerminatePod handles POST /api/v1/pods/{podID}/terminate.
func (h *REST) TerminatePod(w http.ResponseWriter, r *http.Request) {
	podID := chi.URLParam(r, "podID")
	pod, err := h.engine.TerminatePod(r.Context(), podID)
	if err == nil {
		h.logger.Info("pod terminated by operator", slog.String("pod_id", podID), slog.String("by", actor(r)))
	}
	h.reply(w, "terminate_pod", pod, err)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			h.logger.Warn("not ready", slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "not ready", nil)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// actor names the caller for audit fields.
func actor(r *http.Request) string {
	if p, ok := middleware.PrincipalFrom(r.Context()); ok {
		return p.Subject
	}
	return "operator"
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return false
	}
	return true
}

func (h *REST) reply(w http.ResponseWriter, op string, v any, err error) {
	if err != nil {
		h.fail(w, op, err)
		return
	}
	h.respond(w, op, http.StatusOK, v)
}

func (h *REST) respond(w http.ResponseWriter, op string, code int, v any) {
	telemetry.APIRequests.WithLabelValues(op, codeClass(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *REST) fail(w http.ResponseWriter, op string, err error) {
	code, details := statusFor(err)
	telemetry.APIRequests.WithLabelValues(op, codeClass(code)).Inc()
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("operation", op), slog.String("error", err.Error()))
		writeError(w, code, "internal error", nil)
		return
	}
	writeError(w, code, err.Error(), details)
}

// statusFor maps a domain error to an HTTP status and optional details.
func statusFor(err error) (int, any) {
	var (
		notFound   *domain.WorkOrderNotFoundError
		noPod      *domain.PodNotFoundError
		invalid    *domain.InvalidRequestError
		badPlan    *domain.PlanValidationError
		transition *domain.InvalidTransitionError
		halted     *domain.WorkOrderHaltedError
		answer     *domain.AnswerRequiredError
		gate       *domain.QualityGateError
		podMove    *domain.InvalidPodTransitionError
		running    *domain.NotSuspendedError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &noPod):
		return http.StatusNotFound, nil
	case errors.As(err, &invalid):
		return http.StatusBadRequest, map[string]string{"field": invalid.Field}
	case errors.As(err, &badPlan):
		return http.StatusUnprocessableEntity, map[string]any{"problems": badPlan.Problems}
	case errors.As(err, &answer):
		return http.StatusUnprocessableEntity, map[string]any{
			"question":        answer.Question,
			"required_fields": answer.RequiredFields,
		}
	case errors.As(err, &gate):
		return http.StatusConflict, map[string]any{
			"phase_id":  gate.PhaseID,
			"score":     gate.Score,
			"min_score": gate.MinScore,
			"missing":   gate.Missing,
		}
	case errors.As(err, &transition), errors.As(err, &halted), errors.As(err, &podMove):
		return http.StatusConflict, nil
	case errors.As(err, &running):
		return http.StatusConflict, map[string]string{"status": string(running.Status)}
	}
	return http.StatusInternalServerError, nil
}

func codeClass(code int) string { return fmt.Sprintf("%dxx", code/100) }

func writeError(w http.ResponseWriter, code int, msg string, details any) {
	body := map[string]any{"error": msg}
	if details != nil {
		body["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
