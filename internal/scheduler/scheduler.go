// Package scheduler owns every work order: it moves them through their
// lifecycle, dispatches ready tasks to pods and enforces the contract while
// they run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/tbwo/internal/agent"
	"github.com/ramiqadoumi/tbwo/internal/blob"
	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/events"
	"github.com/ramiqadoumi/tbwo/internal/plan"
	"github.com/ramiqadoumi/tbwo/internal/planner"
	"github.com/ramiqadoumi/tbwo/internal/pool"
	"github.com/ramiqadoumi/tbwo/internal/prompt"
	"github.com/ramiqadoumi/tbwo/internal/store"
	"github.com/ramiqadoumi/tbwo/pkg/telemetry"
)

const (
	// DefaultMaxConcurrent bounds in-flight tasks per work order when the
	// contract does not set MaxConcurrentPods.
	DefaultMaxConcurrent = 3
	// DefaultMinTaskTimeout is the floor of the per-task timeout.
	DefaultMinTaskTimeout = 30 * time.Second

	ioTimeout = 5 * time.Second
)

// Runner executes one task on one pod.
type Runner interface {
	Run(ctx context.Context, env agent.Env, a agent.Assignment) (agent.Outcome, error)
}

// PromptBuilder renders a task's instructions.
type PromptBuilder interface {
	Build(task domain.Task, pod domain.Pod, w prompt.World) prompt.Prompt
}

// StatusSink receives the compact progress view after every change.
type StatusSink interface {
	SetStatus(ctx context.Context, st domain.LiveStatus) error
}

// Scheduler runs work orders. All mutation of a work order goes through it.
type Scheduler struct {
	pool           *pool.Pool
	runner         Runner
	planner        planner.Planner
	prompts        PromptBuilder
	repo           store.Repository
	events         events.Publisher
	status         StatusSink
	exporter       blob.Exporter
	maxConcurrent  int
	minTaskTimeout time.Duration
	staleAfter     time.Duration
	logger         *slog.Logger
	now            func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option          { return func(s *Scheduler) { s.logger = l } }
func WithPlanner(p planner.Planner) Option      { return func(s *Scheduler) { s.planner = p } }
func WithPromptBuilder(b PromptBuilder) Option  { return func(s *Scheduler) { s.prompts = b } }
func WithRepository(r store.Repository) Option  { return func(s *Scheduler) { s.repo = r } }
func WithStatusSink(sink StatusSink) Option     { return func(s *Scheduler) { s.status = sink } }
func WithExporter(e blob.Exporter) Option       { return func(s *Scheduler) { s.exporter = e } }
func WithMinTaskTimeout(d time.Duration) Option { return func(s *Scheduler) { s.minTaskTimeout = d } }
func WithClock(now func() time.Time) Option     { return func(s *Scheduler) { s.now = now } }

// WithPublisher sets the lifecycle event sink. Events are published while a
// work order is locked, so p should not block; wrap slow sinks in
// events.Async.
func WithPublisher(p events.Publisher) Option { return func(s *Scheduler) { s.events = p } }

// WithStaleAfter makes Recover skip work orders persisted within d. Set it
// when several instances share one repository.
func WithStaleAfter(d time.Duration) Option { return func(s *Scheduler) { s.staleAfter = d } }

// WithMaxConcurrent overrides DefaultMaxConcurrent.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// New creates a Scheduler. Without WithRepository work orders live only in
// memory; without WithPlanner, Plan uses the template planner.
func New(p *pool.Pool, runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		pool:           p,
		runner:         runner,
		planner:        planner.Template{},
		prompts:        prompt.NewBuilder(nil, prompt.DefaultCeiling),
		repo:           store.NewMemory(),
		maxConcurrent:  DefaultMaxConcurrent,
		minTaskTimeout: DefaultMinTaskTimeout,
		logger:         slog.Default(),
		now:            time.Now,
		runs:           make(map[string]*run),
	}
	for _, o := range opts {
		o(s)
	}
	s.base, s.stop = context.WithCancel(context.Background())
	return s
}

// CreateRequest describes a new work order.
type CreateRequest struct {
	Objective      string
	Context        string
	Quality        domain.QualityTarget
	TotalMinutes   float64
	Scope          domain.Scope
	Requirements   domain.QualityRequirements
	StopConditions []domain.StopCondition
	// Plan, when set, skips planning: the work order goes straight to
	// awaiting_approval.
	Plan *domain.Plan
}

func (req CreateRequest) validate() error {
	switch {
	case strings.TrimSpace(req.Objective) == "":
		return &domain.InvalidRequestError{Field: "objective", Reason: "must not be empty"}
	case req.TotalMinutes <= 0:
		return &domain.InvalidRequestError{Field: "total_minutes", Reason: "must be positive"}
	case req.Quality != "" && !req.Quality.Valid():
		return &domain.InvalidRequestError{Field: "quality", Reason: fmt.Sprintf("unknown quality target %q", req.Quality)}
	case req.Scope.MaxTokens < 0 || req.Scope.MaxCostUSD < 0 || req.Scope.MaxConcurrentPods < 0:
		return &domain.InvalidRequestError{Field: "scope", Reason: "limits must not be negative"}
	}
	return nil
}

// ResumeRequest carries what a human supplies to restart a suspended work
// order.
type ResumeRequest struct {
	// Answer is required when the work order is waiting for a human.
	Answer *domain.HumanAnswer
	// Budget raises the ceilings that paused the work order.
	Budget *BudgetExtension
	// Force approves a checkpoint whose quality gate has not passed.
	Force bool
	By    string
}

// BudgetExtension sets new ceilings. Zero fields are left unchanged.
type BudgetExtension struct {
	TotalMinutes float64
	MaxTokens    int64
	MaxCostUSD   float64
}

// Create stores a new draft work order, or an awaiting_approval one when the
// request carries a plan.
func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (*domain.WorkOrder, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Quality == "" {
		req.Quality = domain.QualityStandard
	}
	now := s.now().UTC()
	wo := &domain.WorkOrder{
		ID:         uuid.NewString(),
		Objective:  strings.TrimSpace(req.Objective),
		Context:    req.Context,
		Status:     domain.StatusDraft,
		Quality:    req.Quality,
		TimeBudget: domain.TimeBudget{TotalMinutes: req.TotalMinutes},
		Contract: domain.Contract{
			Scope:          req.Scope,
			Quality:        req.Requirements,
			StopConditions: req.StopConditions,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Plan != nil {
		p, err := buildPlan(req.Plan)
		if err != nil {
			return nil, err
		}
		wo.Plan = p
		wo.Status = domain.StatusAwaitingApproval
	}

	r := s.newRun(wo, nil)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.save(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.runs[wo.ID] = r
	s.mu.Unlock()

	telemetry.WorkOrdersCreated.Inc()
	r.emit(domain.Event{Type: domain.EventWorkOrderCreated, Status: wo.Status})
	s.logger.Info("work order created",
		slog.String("work_order_id", wo.ID),
		slog.String("quality", string(wo.Quality)),
		slog.Float64("total_minutes", wo.TimeBudget.TotalMinutes),
	)
	return r.snapshotLocked(), nil
}

// buildPlan validates a caller-supplied plan without aliasing it.
func buildPlan(in *domain.Plan) (*domain.Plan, error) {
	c := in.Clone()
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	for _, ph := range c.Phases {
		ph.Status, ph.Approved = "", false
		for _, t := range ph.Tasks {
			t.Status, t.AssignedPodID, t.Attempts, t.Error = "", "", 0, ""
			t.StartedAt, t.CompletedAt = nil, nil
		}
	}
	return plan.New(id, c.Phases)
}

// Plan asks the planner to decompose the objective. The work order moves to
// awaiting_approval on success and back to draft on failure.
func (s *Scheduler) Plan(ctx context.Context, id string) (*domain.WorkOrder, error) {
	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler.plan")
	defer span.End()
	span.SetAttributes(attribute.String("work_order.id", id))

	r, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if err := r.setStatusLocked(domain.StatusPlanning, "planning"); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	wo := r.wo.Clone()
	r.mu.Unlock()

	p, planErr := s.planner.Plan(ctx, wo)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wo.Status != domain.StatusPlanning {
		return nil, &domain.InvalidTransitionError{WorkOrderID: id, From: r.wo.Status, To: domain.StatusAwaitingApproval}
	}
	if planErr != nil {
		span.RecordError(planErr)
		r.wo.Errors = append(r.wo.Errors, domain.ErrorEntry{Message: "planning failed: " + planErr.Error(), CreatedAt: s.now().UTC()})
		_ = r.setStatusLocked(domain.StatusDraft, "planning failed")
		return nil, fmt.Errorf("plan work order %s: %w", id, planErr)
	}
	r.wo.Plan = p
	r.emit(domain.Event{Type: domain.EventWorkOrderPlanned, Message: fmt.Sprintf("%d phases", len(p.Phases))})
	if err := r.setStatusLocked(domain.StatusAwaitingApproval, "plan ready for approval"); err != nil {
		return nil, err
	}
	return r.snapshotLocked(), nil
}

// SetPlan replaces the plan of a draft or awaiting_approval work order.
func (s *Scheduler) SetPlan(ctx context.Context, id string, in *domain.Plan) (*domain.WorkOrder, error) {
	if in == nil {
		return nil, &domain.InvalidRequestError{Field: "plan", Reason: "must not be empty"}
	}
	p, err := buildPlan(in)
	if err != nil {
		return nil, err
	}
	r, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.wo.Status {
	case domain.StatusDraft, domain.StatusAwaitingApproval:
	default:
		return nil, &domain.InvalidTransitionError{WorkOrderID: id, From: r.wo.Status, To: domain.StatusAwaitingApproval}
	}
	r.wo.Plan = p
	r.emit(domain.Event{Type: domain.EventWorkOrderPlanned, Message: fmt.Sprintf("%d phases", len(p.Phases))})
	if r.wo.Status == domain.StatusDraft {
		if err := r.setStatusLocked(domain.StatusAwaitingApproval, "plan supplied"); err != nil {
			return nil, err
		}
	} else {
		r.persistLocked()
	}
	return r.snapshotLocked(), nil
}

// Approve starts execution of an awaiting_approval work order. On a work
// order at a checkpoint it approves the checkpoint, like Resume.
func (s *Scheduler) Approve(ctx context.Context, id string) (*domain.WorkOrder, error) {
	r, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.wo.Status == domain.StatusCheckpoint {
		r.mu.Unlock()
		return s.Resume(ctx, id, ResumeRequest{})
	}
	defer r.mu.Unlock()
	if r.wo.Plan == nil {
		return nil, &domain.InvalidTransitionError{WorkOrderID: id, From: r.wo.Status, To: domain.StatusExecuting}
	}
	if r.wo.Status != domain.StatusAwaitingApproval {
		return nil, &domain.InvalidTransitionError{WorkOrderID: id, From: r.wo.Status, To: domain.StatusExecuting}
	}
	started := s.now().UTC()
	r.wo.StartedAt = &started
	if err := r.setStatusLocked(domain.StatusExecuting, "approved"); err != nil {
		return nil, err
	}
	r.startLocked()
	return r.snapshotLocked(), nil
}

// Pause suspends an executing work order. In-flight pods stop at their next
// iteration boundary.
func (s *Scheduler) Pause(ctx context.Context, id, reason string) (*domain.WorkOrder, error) {
	r, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if reason == "" {
		reason = "paused by request"
	}
	if err := r.setStatusLocked(domain.StatusPaused, reason); err != nil {
		return nil, err
	}
	return r.snapshotLocked(), nil
}

// RequestPause suspends the work order until a human answers p. Pods raise
// it through request_pause_and_ask; operators may raise it directly.
func (s *Scheduler) RequestPause(ctx context.Context, id string, p domain.PauseRequest) (*domain.WorkOrder, error) {
	if strings.TrimSpace(p.Question) == "" {
		return nil, &domain.InvalidRequestError{Field: "question", Reason: "must not be empty"}
	}
	r, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.askLocked(p); err != nil {
		return nil, err
	}
	return r.snapshotLocked(), nil
}

// Resume restarts a suspended work order. A work order waiting for a human
// needs an answer covering the required fields, unless the question allows
// inferring them from a free-text answer. A checkpoint is approved, which
// requires the quality gate to pass unless Force is set. A work order whose
// budget is still exhausted pauses again straight away.
func (s *Scheduler) Resume(ctx context.Context, id string, req ResumeRequest) (*domain.WorkOrder, error) {
	r, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.wo.Status {
	case domain.StatusPausedWaitingForUser, domain.StatusPaused:
		if r.wo.Status == domain.StatusPausedWaitingForUser || r.wo.PendingPause != nil {
			if err := r.answerLocked(req.Answer); err != nil {
				return nil, err
			}
		}
	case domain.StatusCheckpoint:
		if err := r.approveCheckpointLocked(req.Force, req.By); err != nil {
			return nil, err
		}
	default:
		return nil, &domain.InvalidTransitionError{WorkOrderID: id, From: r.wo.Status, To: domain.StatusExecuting}
	}
	if req.Budget != nil {
		r.extendLocked(*req.Budget)
	}
	if err := r.setStatusLocked(domain.StatusExecuting, "resumed"); err != nil {
		return nil, err
	}
	r.applyOutcomeLocked(r.enforcer.Recheck())
	r.startLocked()
	return r.snapshotLocked(), nil
}

// Cancel stops a work order for good and releases its pods. Tasks in flight
// finish their current call and are discarded.
func (s *Scheduler) Cancel(ctx context.Context, id, reason string) (*domain.WorkOrder, error) {
	r, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if reason == "" {
		reason = "cancelled by request"
	}
	if err := r.setStatusLocked(domain.StatusCancelled, reason); err != nil {
		return nil, err
	}
	return r.snapshotLocked(), nil
}

// Acknowledge marks a contract violation as seen by.
func (s *Scheduler) Acknowledge(ctx context.Context, id, violationID, by string) error {
	r, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enforcer.Acknowledge(violationID, by); err != nil {
		return &domain.InvalidRequestError{Field: "violation", Reason: err.Error()}
	}
	r.persistLocked()
	return nil
}

// SkipTask marks a pending or failed task skipped so its phase can
// complete. The work order must be suspended; Resume continues it.
func (s *Scheduler) SkipTask(ctx context.Context, id, taskID, by string) (*domain.WorkOrder, error) {
	return s.editTask(ctx, id, taskID, by, "skipping a task", domain.EventTaskSkipped, plan.Skip)
}

// RetryTask returns a failed task to pending. The work order must be
// suspended; Resume dispatches the task again.
func (s *Scheduler) RetryTask(ctx context.Context, id, taskID, by string) (*domain.WorkOrder, error) {
	return s.editTask(ctx, id, taskID, by, "retrying a task", domain.EventTaskRetried, plan.Retry)
}

func (s *Scheduler) editTask(ctx context.Context, id, taskID, by, action string, ev domain.EventType, edit func(*domain.Plan, string) error) (*domain.WorkOrder, error) {
	r, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.wo.Status.IsSuspended() {
		return nil, &domain.NotSuspendedError{WorkOrderID: id, Status: r.wo.Status, Action: action}
	}
	if r.wo.Plan == nil {
		return nil, &domain.InvalidRequestError{Field: "task", Reason: "work order has no plan"}
	}
	if err := edit(r.wo.Plan, taskID); err != nil {
		return nil, &domain.InvalidRequestError{Field: "task", Reason: err.Error()}
	}
	r.persistLocked()
	r.emit(domain.Event{Type: ev, TaskID: taskID, Message: string(ev) + " by " + by})
	r.logger.Info("task edited",
		slog.String("task_id", taskID),
		slog.String("event", string(ev)),
		slog.String("by", by),
	)
	return r.snapshotLocked(), nil
}

// AllPods returns every pod in the pool, bound or not.
func (s *Scheduler) AllPods() []domain.Pod { return s.pool.List() }

// ResetPod clears a pod's failure history so it takes tasks again. Work
// orders waiting for a pod are woken.
func (s *Scheduler) ResetPod(_ context.Context, podID string) (domain.Pod, error) {
	if err := s.pool.Reset(podID); err != nil {
		return domain.Pod{}, err
	}
	return s.podChanged(podID, domain.EventPodReset), nil
}

// TerminatePod retires an idle or parked pod for good, freeing its slot in
// the pool.
func (s *Scheduler) TerminatePod(_ context.Context, podID string) (domain.Pod, error) {
	if err := s.pool.Terminate(podID); err != nil {
		return domain.Pod{}, err
	}
	return s.podChanged(podID, domain.EventPodTerminated), nil
}

func (s *Scheduler) podChanged(podID string, ev domain.EventType) domain.Pod {
	pod, _ := s.pool.Get(podID)
	s.publish(domain.Event{Type: ev, WorkOrderID: pod.WorkOrderID, PodID: podID, At: s.now().UTC()})
	for _, r := range s.active() {
		r.wake()
	}
	return pod
}

// Get returns a copy of the work order.
func (s *Scheduler) Get(ctx context.Context, id string) (*domain.WorkOrder, error) {
	r, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(), nil
}

// Status returns the compact progress view of the work order.
func (s *Scheduler) Status(ctx context.Context, id string) (domain.LiveStatus, error) {
	r, err := s.lookup(ctx, id)
	if err != nil {
		return domain.LiveStatus{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveStatusLocked(), nil
}

// List returns persisted work orders matching f.
func (s *Scheduler) List(ctx context.Context, f store.Filter) ([]*domain.WorkOrder, error) {
	return s.repo.ListWorkOrders(ctx, f)
}

// Artifacts returns every artifact of the work order in write order,
// superseded versions included.
func (s *Scheduler) Artifacts(ctx context.Context, id string) ([]domain.Artifact, error) {
	r, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.arts.All(), nil
}

// Executions returns the recorded task attempts of the work order.
func (s *Scheduler) Executions(ctx context.Context, id string) ([]domain.TaskExecution, error) {
	if _, err := s.lookup(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListExecutions(ctx, id)
}

// Pods returns the pods currently bound to the work order.
func (s *Scheduler) Pods(ctx context.Context, id string) ([]domain.Pod, error) {
	if _, err := s.lookup(ctx, id); err != nil {
		return nil, err
	}
	var out []domain.Pod
	for _, pod := range s.pool.List() {
		if pod.WorkOrderID == id {
			out = append(out, pod)
		}
	}
	return out, nil
}

// Done returns a channel closed once the work order is terminal and no task
// of it is still running.
func (s *Scheduler) Done(ctx context.Context, id string) (<-chan struct{}, error) {
	r, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.done, nil
}

// Tick brings elapsed time of every executing work order up to date, which
// may trigger time stop conditions, and wakes loops waiting for pods. Every
// live work order is persisted, which marks it as owned by this instance.
func (s *Scheduler) Tick(ctx context.Context) {
	_, span := otel.Tracer("scheduler").Start(ctx, "scheduler.tick")
	defer span.End()
	for _, r := range s.active() {
		r.mu.Lock()
		if r.wo.Status == domain.StatusExecuting {
			r.syncElapsedLocked()
		}
		if !r.wo.Status.IsTerminal() {
			r.persistLocked()
		}
		r.cond.Broadcast()
		r.mu.Unlock()
	}
}

// Recover resumes persisted work orders that were running when the process
// stopped. Tasks that were in flight go back to pending. Work orders saved
// more recently than the stale-after window belong to a live instance and
// are skipped. It returns the number of work orders picked up.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler.recover")
	defer span.End()

	wos, err := s.repo.ListWorkOrders(ctx, store.Active())
	if err != nil {
		return 0, fmt.Errorf("list active work orders: %w", err)
	}
	n := 0
	for _, wo := range wos {
		s.mu.Lock()
		_, loaded := s.runs[wo.ID]
		s.mu.Unlock()
		if loaded {
			continue
		}
		if s.staleAfter > 0 && s.now().Sub(wo.UpdatedAt) < s.staleAfter {
			continue
		}
		r, err := s.load(ctx, wo)
		if err != nil {
			s.logger.Error("recover work order", slog.String("work_order_id", wo.ID), slog.String("error", err.Error()))
			continue
		}
		r.mu.Lock()
		reset := plan.Reset(r.wo.Plan)
		r.persistLocked()
		r.startLocked()
		r.mu.Unlock()
		n++
		s.logger.Info("work order recovered",
			slog.String("work_order_id", wo.ID),
			slog.String("status", string(wo.Status)),
			slog.Int("tasks_reset", reset),
		)
	}
	span.SetAttributes(attribute.Int("work_orders.recovered", n))
	return n, nil
}

// Shutdown interrupts every running task and waits for the loops to exit.
// Interrupted tasks are persisted as pending so Recover picks them up.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

// lookup returns the in-memory run of id, loading it from the repository
// when needed.
func (s *Scheduler) lookup(ctx context.Context, id string) (*run, error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		return r, nil
	}
	wo, err := s.repo.GetWorkOrder(ctx, id)
	if err != nil {
		var nf *domain.WorkOrderNotFoundError
		if errors.As(err, &nf) {
			return nil, err
		}
		return nil, fmt.Errorf("load work order %s: %w", id, err)
	}
	return s.load(ctx, wo)
}

// load registers a persisted work order, keeping any run registered
// meanwhile by a concurrent caller.
func (s *Scheduler) load(ctx context.Context, wo *domain.WorkOrder) (*run, error) {
	arts, err := s.repo.ListArtifacts(ctx, wo.ID)
	if err != nil {
		return nil, fmt.Errorf("load artifacts of %s: %w", wo.ID, err)
	}
	if wo.Status == domain.StatusPlanning {
		// The planner call died with the previous process.
		wo.Status = domain.StatusDraft
	}
	r := s.newRun(wo, arts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[wo.ID]; ok {
		return existing, nil
	}
	s.runs[wo.ID] = r
	return r, nil
}

func (s *Scheduler) active() []*run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out
}

func (s *Scheduler) publish(ev domain.Event) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish event",
			slog.String("event", string(ev.Type)),
			slog.String("work_order_id", ev.WorkOrderID),
			slog.String("error", err.Error()),
		)
	}
}
