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
	"github.com/ramiqadoumi/tbwo/internal/artifacts"
	"github.com/ramiqadoumi/tbwo/internal/bus"
	"github.com/ramiqadoumi/tbwo/internal/contract"
	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/plan"
	"github.com/ramiqadoumi/tbwo/internal/prompt"
	"github.com/ramiqadoumi/tbwo/pkg/telemetry"
)

// run is the in-memory state of one work order. mu guards every field and
// the work order itself; cond is signalled on any change the loop or a
// parked pod may be waiting for.
type run struct {
	s        *Scheduler
	logger   *slog.Logger
	enforcer *contract.Enforcer
	arts     *artifacts.Store
	bus      *bus.Bus

	mu       sync.Mutex
	cond     *sync.Cond
	wo       *domain.WorkOrder
	inflight map[string]*slot // by pod ID
	seen     map[string]int   // answers already shown to each pod
	lastTick time.Time
	looping  bool
	closed   bool
	done     chan struct{}
}

// slot is one task in flight.
type slot struct {
	taskID   string
	cancel   context.CancelFunc
	deadline *deadline
}

func (s *Scheduler) newRun(wo *domain.WorkOrder, stored []domain.Artifact) *run {
	r := &run{
		s:        s,
		logger:   s.logger.With(slog.String("work_order_id", wo.ID)),
		wo:       wo,
		inflight: make(map[string]*slot),
		seen:     make(map[string]int),
		done:     make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	r.enforcer = contract.New(wo.Contract, wo.TimeBudget,
		contract.WithLogger(s.logger),
		contract.WithViolationHook(r.onViolation),
	)
	r.arts = artifacts.New(wo.ID)
	r.arts.Load(stored)
	r.bus = bus.New(wo.ID, s.pool, bus.WithLogger(s.logger))
	if wo.Status == domain.StatusExecuting {
		r.lastTick = s.now()
	}
	if wo.Status.IsTerminal() {
		r.closed = true
		close(r.done)
	}
	return r
}

func (r *run) onViolation(v domain.Violation) {
	r.s.publish(domain.Event{
		Type:        domain.EventViolationRecorded,
		WorkOrderID: r.wo.ID,
		TaskID:      v.TaskID,
		PodID:       v.PodID,
		Violation:   &v,
		Message:     v.Message,
		At:          r.s.now().UTC(),
	})
}

func (r *run) emit(ev domain.Event) {
	ev.WorkOrderID = r.wo.ID
	if ev.At.IsZero() {
		ev.At = r.s.now().UTC()
	}
	r.s.publish(ev)
}

// ── lifecycle ────────────────────────────────────────────────────────────────

// startLocked launches the loop unless it is already running.
func (r *run) startLocked() {
	if r.looping || r.wo.Status.IsTerminal() || r.s.base.Err() != nil {
		return
	}
	r.looping = true
	r.s.wg.Add(1)
	go r.loop()
}

func (r *run) loop() {
	defer r.s.wg.Done()
	stop := context.AfterFunc(r.s.base, r.wake)
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		r.looping = false
		r.maybeCloseLocked()
	}()

	r.logger.Info("work order loop started", slog.String("status", string(r.wo.Status)))
	for r.s.base.Err() == nil && !r.wo.Status.IsTerminal() {
		switch r.wo.Status {
		case domain.StatusExecuting:
			if r.stepLocked() {
				continue
			}
		case domain.StatusCompleting:
			if len(r.inflight) == 0 {
				r.finishLocked()
				continue
			}
		}
		r.cond.Wait()
	}
}

func (r *run) wake() {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

// stepLocked advances an executing work order once. It reports whether the
// status changed, in which case the loop re-evaluates without waiting.
func (r *run) stepLocked() bool {
	r.syncElapsedLocked()
	if r.wo.Status != domain.StatusExecuting {
		return true
	}
	p := r.wo.Plan
	if p == nil {
		return r.setStatusLocked(domain.StatusFailed, "executing without a plan") == nil
	}
	plan.Advance(p)

	if ph := plan.AwaitingReview(p); ph != nil {
		return r.checkpointLocked(ph)
	}
	if p.Status == domain.PlanComplete {
		if len(r.inflight) > 0 {
			return false
		}
		return r.setStatusLocked(domain.StatusCompleting, "all tasks complete") == nil
	}

	if r.dispatchLocked() > 0 {
		r.persistLocked()
	}
	if len(r.inflight) == 0 && len(plan.ReadyTasks(p)) == 0 {
		if failed := failedTasks(p); len(failed) > 0 {
			msg := fmt.Sprintf("blocked by failed tasks %s: skip or retry them, then resume", strings.Join(failed, ", "))
			return r.setStatusLocked(domain.StatusPaused, msg) == nil
		}
		msg := fmt.Sprintf("plan cannot complete: %d tasks left with no runnable task", plan.Remaining(p))
		r.wo.Errors = append(r.wo.Errors, domain.ErrorEntry{Message: msg, CreatedAt: r.s.now().UTC()})
		return r.setStatusLocked(domain.StatusFailed, msg) == nil
	}
	return false
}

// failedTasks lists the IDs of failed tasks in plan order.
func failedTasks(p *domain.Plan) []string {
	var ids []string
	for _, ph := range p.Phases {
		for _, t := range ph.Tasks {
			if t.Status == domain.TaskFailed {
				ids = append(ids, t.ID)
			}
		}
	}
	return ids
}

func (r *run) checkpointLocked(ph *domain.Phase) bool {
	open := false
	for _, c := range r.wo.Checkpoints {
		if c.PhaseID == ph.ID && !c.Approved {
			open = true
		}
	}
	msg := fmt.Sprintf("phase %q complete, awaiting approval", ph.Name)
	if err := r.enforcer.QualityGate(ph.ID); err != nil {
		msg += ": " + err.Error()
	}
	if !open {
		r.wo.Checkpoints = append(r.wo.Checkpoints, domain.Checkpoint{
			ID:        uuid.NewString(),
			PhaseID:   ph.ID,
			Message:   msg,
			CreatedAt: r.s.now().UTC(),
		})
		r.emit(domain.Event{Type: domain.EventCheckpointReached, Message: msg})
	}
	return r.setStatusLocked(domain.StatusCheckpoint, msg) == nil
}

func (r *run) approveCheckpointLocked(force bool, by string) error {
	ph := plan.AwaitingReview(r.wo.Plan)
	if ph == nil {
		return nil
	}
	if !force {
		if err := r.enforcer.QualityGate(ph.ID); err != nil {
			return err
		}
	}
	if err := plan.Approve(r.wo.Plan, ph.ID); err != nil {
		return err
	}
	for i := range r.wo.Checkpoints {
		if r.wo.Checkpoints[i].PhaseID == ph.ID {
			r.wo.Checkpoints[i].Approved = true
		}
	}
	r.logger.Info("checkpoint approved",
		slog.String("phase_id", ph.ID),
		slog.Bool("forced", force),
		slog.String("by", by),
	)
	return nil
}

// finishLocked exports the deliverables and completes the work order. A
// failed export is recorded but does not fail the work order.
func (r *run) finishLocked() {
	if exp := r.s.exporter; exp != nil {
		items := r.arts.LatestAll()
		r.mu.Unlock()
		ctx, cancel := context.WithTimeout(r.s.base, time.Minute)
		m, err := exp.Export(ctx, r.wo.ID, items)
		cancel()
		r.mu.Lock()
		if r.wo.Status != domain.StatusCompleting {
			return
		}
		if err != nil {
			r.logger.Error("export deliverables", slog.String("error", err.Error()))
			r.wo.Errors = append(r.wo.Errors, domain.ErrorEntry{Message: "export failed: " + err.Error(), CreatedAt: r.s.now().UTC()})
		} else {
			r.emit(domain.Event{Type: domain.EventDeliverableExport, Message: m.Location})
		}
	}
	_ = r.setStatusLocked(domain.StatusCompleted, "work order complete")
}

// setStatusLocked moves the work order to `to`, persists it and wakes every
// waiter. Moving to the current status is a no-op.
func (r *run) setStatusLocked(to domain.WorkOrderStatus, msg string) error {
	if r.wo.Status == domain.StatusExecuting {
		// May itself pause the work order on the time budget.
		r.syncElapsedLocked()
	}
	from := r.wo.Status
	if from == to {
		return nil
	}
	if !domain.CanTransition(from, to) {
		return &domain.InvalidTransitionError{WorkOrderID: r.wo.ID, From: from, To: to}
	}

	now := r.s.now()
	r.wo.Status = to
	r.wo.Message = msg
	if to == domain.StatusExecuting {
		r.lastTick = now
	}
	telemetry.WorkOrderTransitions.WithLabelValues(string(to)).Inc()
	if to.IsTerminal() {
		done := now.UTC()
		r.wo.CompletedAt = &done
		telemetry.WorkOrdersFinished.WithLabelValues(string(to)).Inc()
		for _, sl := range r.inflight {
			sl.cancel()
		}
		r.s.pool.Release(r.wo.ID)
		r.bus.Clear()
	}

	r.persistLocked()
	r.emit(domain.Event{Type: domain.EventWorkOrderStatus, Status: to, Message: msg})
	r.logger.Info("work order status changed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("message", msg),
	)
	r.cond.Broadcast()
	r.maybeCloseLocked()
	return nil
}

func (r *run) maybeCloseLocked() {
	if r.closed || r.looping || len(r.inflight) > 0 || !r.wo.Status.IsTerminal() {
		return
	}
	r.closed = true
	close(r.done)
}

// syncElapsedLocked charges the wall time since the last sync to the budget.
func (r *run) syncElapsedLocked() {
	if r.wo.Status != domain.StatusExecuting || r.lastTick.IsZero() {
		return
	}
	now := r.s.now()
	d := now.Sub(r.lastTick)
	if d <= 0 {
		return
	}
	r.lastTick = now
	r.wo.TimeBudget.ElapsedMinutes += d.Minutes()
	r.applyOutcomeLocked(r.enforcer.AddElapsed(d))
}

// applyOutcomeLocked halts the work order when a stop condition fired. A
// budget stop only pauses a work order that is still running; one that fires
// while suspended is re-armed and re-applied by Resume.
func (r *run) applyOutcomeLocked(o contract.Outcome) {
	to := o.Status()
	if to == "" || r.wo.Status.IsTerminal() {
		return
	}
	if to == domain.StatusPaused && r.wo.Status.IsSuspended() {
		return
	}
	msg := "stop condition triggered"
	for _, v := range o.Violations {
		if v.Severity == domain.SeverityCritical {
			msg = v.Message
		}
	}
	if err := r.setStatusLocked(to, msg); err != nil {
		r.logger.Warn("apply stop condition", slog.String("error", err.Error()))
	}
}

// ── persistence ─────────────────────────────────────────────────────────────

func (r *run) snapshotLocked() *domain.WorkOrder {
	c := r.wo.Clone()
	c.Contract = r.enforcer.Snapshot()
	return c
}

func (r *run) save(ctx context.Context) error {
	r.wo.UpdatedAt = r.s.now().UTC()
	if err := r.s.repo.SaveWorkOrder(ctx, r.snapshotLocked()); err != nil {
		return fmt.Errorf("save work order %s: %w", r.wo.ID, err)
	}
	return nil
}

// persistLocked saves the snapshot and refreshes the live status. Failures
// are logged; the in-memory state stays authoritative.
func (r *run) persistLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	if err := r.save(ctx); err != nil {
		r.logger.Error("persist work order", slog.String("error", err.Error()))
	}
	if r.s.status == nil {
		return
	}
	if err := r.s.status.SetStatus(ctx, r.liveStatusLocked()); err != nil {
		r.logger.Warn("update live status", slog.String("error", err.Error()))
	}
}

func (r *run) liveStatusLocked() domain.LiveStatus {
	usage := r.enforcer.Usage()
	st := domain.LiveStatus{
		WorkOrderID:    r.wo.ID,
		Status:         r.wo.Status,
		Progress:       plan.Progress(r.wo.Plan),
		TasksRemaining: plan.Remaining(r.wo.Plan),
		ActivePods:     len(r.inflight),
		ElapsedMinutes: r.wo.TimeBudget.ElapsedMinutes,
		TotalMinutes:   r.wo.TimeBudget.TotalMinutes,
		TokensUsed:     usage.Tokens,
		CostUSD:        usage.CostUSD,
		UpdatedAt:      r.wo.UpdatedAt,
	}
	if r.wo.PendingPause != nil {
		st.PendingQuestion = r.wo.PendingPause.Question
	}
	return st
}

func (r *run) recordExecution(exec *domain.TaskExecution) {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	if err := r.s.repo.RecordExecution(ctx, exec); err != nil {
		r.logger.Error("record execution", slog.String("task_id", exec.TaskID), slog.String("error", err.Error()))
	}
}

// ── dispatch ────────────────────────────────────────────────────────────────

// concurrencyLocked is the number of tasks allowed in flight.
func (r *run) concurrencyLocked() int {
	n := r.s.maxConcurrent
	if limit := r.enforcer.Scope().MaxConcurrentPods; limit > 0 && limit < n {
		n = limit
	}
	return n
}

// dispatchLocked starts ready tasks until the concurrency limit is reached
// or no pod can be had. It returns the number of tasks started.
func (r *run) dispatchLocked() int {
	limit := r.concurrencyLocked()
	podLimit := r.enforcer.Scope().MaxConcurrentPods
	started := 0
	for _, task := range plan.ReadyTasks(r.wo.Plan) {
		if len(r.inflight) >= limit {
			break
		}
		pod, err := r.s.pool.Acquire(r.wo.ID, task.Role, podLimit)
		if err != nil {
			r.logger.Debug("no pod for task", slog.String("task_id", task.ID), slog.String("reason", err.Error()))
			continue
		}
		if err := r.s.pool.Start(pod.ID, task.ID); err != nil {
			r.logger.Warn("start pod", slog.String("pod_id", pod.ID), slog.String("error", err.Error()))
			continue
		}
		if fresh, ok := r.s.pool.Get(pod.ID); ok {
			pod = fresh
		}
		r.startTaskLocked(task, pod)
		started++
	}
	return started
}

// taskTimeoutLocked splits the remaining time evenly over the remaining
// tasks, never below the configured floor.
func (r *run) taskTimeoutLocked() time.Duration {
	remaining := r.wo.TimeBudget.Remaining()
	n := plan.Remaining(r.wo.Plan)
	if n < 1 {
		n = 1
	}
	d := remaining / time.Duration(n)
	if d < r.s.minTaskTimeout {
		d = r.s.minTaskTimeout
	}
	return d
}

func (r *run) startTaskLocked(task *domain.Task, pod domain.Pod) {
	phase, phaseIdx := plan.PhaseOf(r.wo.Plan, task.ID)
	now := r.s.now().UTC()

	timeout := r.taskTimeoutLocked()
	task.Status = domain.TaskInProgress
	task.AssignedPodID = pod.ID
	task.Attempts++
	task.StartedAt = &now
	task.CompletedAt = nil
	task.Error = ""
	phase.PodIDs = appendUnique(phase.PodIDs, pod.ID)
	r.wo.PodIDs = appendUnique(r.wo.PodIDs, pod.ID)
	plan.Advance(r.wo.Plan)

	w := r.worldLocked(phase, phaseIdx, pod, timeout)
	r.seen[pod.ID] = len(r.wo.Answers)
	a := agent.Assignment{
		WorkOrderID: r.wo.ID,
		Task:        *task,
		PhaseID:     phase.ID,
		PhaseIndex:  phaseIdx,
		Pod:         pod,
		Prompt:      r.s.prompts.Build(*task, pod, w),
	}

	ctx, cancel := context.WithCancel(r.s.base)
	sl := &slot{taskID: task.ID, cancel: cancel}
	sl.deadline = newDeadline(timeout, cancel)
	r.inflight[pod.ID] = sl

	telemetry.TasksDispatched.WithLabelValues(string(task.Role)).Inc()
	r.emit(domain.Event{Type: domain.EventTaskStarted, TaskID: task.ID, PodID: pod.ID})
	r.logger.Info("task dispatched",
		slog.String("task_id", task.ID),
		slog.String("pod_id", pod.ID),
		slog.String("role", string(task.Role)),
		slog.Int("attempt", task.Attempts),
		slog.Duration("timeout", timeout),
	)

	r.s.wg.Add(1)
	go r.runTask(ctx, a, sl)
}

func (r *run) worldLocked(phase *domain.Phase, phaseIdx int, pod domain.Pod, timeout time.Duration) prompt.World {
	usage := r.enforcer.Usage()
	scope := r.enforcer.Scope()
	return prompt.World{
		WorkOrderID:   r.wo.ID,
		Objective:     r.wo.Objective,
		Context:       r.wo.Context,
		Quality:       r.wo.Quality,
		PhaseName:     phase.Name,
		TimeRemaining: r.wo.TimeBudget.Remaining(),
		TimeTotal:     time.Duration(r.wo.TimeBudget.TotalMinutes * float64(time.Minute)),
		TaskDeadline:  timeout,
		Budget: prompt.Budget{
			TokensUsed: usage.Tokens,
			MaxTokens:  scope.MaxTokens,
			CostUSD:    usage.CostUSD,
			MaxCostUSD: scope.MaxCostUSD,
		},
		Artifacts: r.arts.SelectRelevant(pod.Role, phaseIdx),
		Messages:  r.bus.Drain(pod.ID),
		Answers:   append([]domain.HumanAnswer(nil), r.wo.Answers...),
	}
}

func (r *run) runTask(ctx context.Context, a agent.Assignment, sl *slot) {
	defer r.s.wg.Done()
	defer sl.cancel()

	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler.run_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("work_order.id", a.WorkOrderID),
		attribute.String("task.id", a.Task.ID),
		attribute.String("pod.id", a.Pod.ID),
		attribute.Int("task.attempt", a.Task.Attempts),
	)

	role := string(a.Pod.Role)
	telemetry.TasksInFlight.WithLabelValues(role).Inc()
	defer telemetry.TasksInFlight.WithLabelValues(role).Dec()

	start := time.Now()
	out, err := r.s.runner.Run(ctx, r, a)
	sl.deadline.stop()
	wall := time.Since(start)
	telemetry.TaskDurationSeconds.WithLabelValues(role).Observe(wall.Seconds())
	if err != nil {
		span.RecordError(err)
	}
	r.complete(a, sl, out, err, wall)
}

// complete folds a finished task back into the work order. A task cut short
// by cancellation or shutdown returns to pending without counting as a
// failure; a task past its deadline fails with a task_timeout violation.
func (r *run) complete(a agent.Assignment, sl *slot, out agent.Outcome, runErr error, wall time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, a.Pod.ID)

	task, _, ok := plan.FindTask(r.wo.Plan, a.Task.ID)
	if !ok {
		r.logger.Error("finished task not in plan", slog.String("task_id", a.Task.ID))
		return
	}
	role := string(a.Pod.Role)
	now := r.s.now().UTC()
	owned := r.ownsPod(a.Pod.ID, a.Task.ID)
	halted := r.wo.Status.IsTerminal() || r.s.base.Err() != nil
	timedOut := sl.deadline.expired()

	r.s.pool.RecordUsage(a.Pod.ID, out.Tokens, out.ModelCalls, wall,
		domain.ModelConfig{Provider: out.Decision.Provider, Model: out.Model})
	exec := &domain.TaskExecution{
		WorkOrderID: r.wo.ID,
		TaskID:      task.ID,
		PodID:       a.Pod.ID,
		Model:       out.Model,
		Attempt:     task.Attempts,
		Tokens:      out.Tokens,
		CostUSD:     out.CostUSD,
		DurationMs:  wall.Milliseconds(),
		ExecutedAt:  now,
	}
	log := r.logger.With(slog.String("task_id", task.ID), slog.String("pod_id", a.Pod.ID))

	switch {
	case runErr == nil:
		task.Status = domain.TaskComplete
		task.Summary = out.Summary
		task.CompletedAt = &now
		if owned {
			_ = r.s.pool.Finish(a.Pod.ID, nil)
		}
		for _, art := range out.Artifacts {
			r.bus.Send(a.Pod.ID, domain.Broadcast, domain.ArtifactReady{
				ArtifactID: art.ID,
				Name:       art.Name,
				Path:       art.Path,
				Version:    art.Version,
			})
		}
		if out.Summary != "" {
			r.bus.Send(a.Pod.ID, domain.Broadcast, domain.Result{TaskID: task.ID, Summary: out.Summary})
		}
		exec.Status = domain.TaskComplete
		r.emit(domain.Event{Type: domain.EventTaskCompleted, TaskID: task.ID, PodID: a.Pod.ID})
		log.Info("task completed", slog.Int("artifacts", len(out.Artifacts)), slog.Int64("tokens", out.Tokens))

	case halted && !timedOut:
		task.Status = domain.TaskPending
		task.AssignedPodID = ""
		task.StartedAt = nil
		if owned {
			_ = r.s.pool.Abort(a.Pod.ID)
		}
		exec.Status = domain.TaskPending
		exec.Error = "interrupted: " + runErr.Error()
		log.Info("task interrupted", slog.String("status", string(r.wo.Status)))

	default:
		phase, _ := plan.PhaseOf(r.wo.Plan, task.ID)
		msg := runErr.Error()
		if timedOut {
			msg = fmt.Sprintf("task %s exceeded its %s timeout", task.ID, sl.deadline.total)
			r.enforcer.Report(domain.Violation{
				Type:     contract.ViolationTaskTimeout,
				Severity: domain.SeverityError,
				Message:  msg,
				TaskID:   task.ID,
				PhaseID:  phase.ID,
				PodID:    a.Pod.ID,
			})
		}
		task.Status = domain.TaskFailed
		task.Error = msg
		task.CompletedAt = &now
		r.wo.Errors = append(r.wo.Errors, domain.ErrorEntry{
			TaskID:    task.ID,
			PhaseID:   phase.ID,
			PodID:     a.Pod.ID,
			Message:   msg,
			CreatedAt: now,
		})
		if owned {
			_ = r.s.pool.Finish(a.Pod.ID, errors.New(msg))
		}
		r.bus.Send(a.Pod.ID, domain.Broadcast, domain.ErrorNotice{TaskID: task.ID, Message: msg})
		exec.Status = domain.TaskFailed
		exec.Error = msg
		r.emit(domain.Event{Type: domain.EventTaskFailed, TaskID: task.ID, PodID: a.Pod.ID, Message: msg})
		log.Warn("task failed", slog.String("error", msg), slog.Bool("timeout", timedOut))
		r.applyOutcomeLocked(r.enforcer.RecordFailure(task.ID, a.Pod.ID))
	}
	telemetry.TasksCompleted.WithLabelValues(role, string(exec.Status)).Inc()

	r.recordExecution(exec)
	plan.Advance(r.wo.Plan)
	r.persistLocked()
	r.cond.Broadcast()
	r.maybeCloseLocked()
}

// ownsPod reports whether the pod is still bound to this work order and
// task. A pod released while parked may already serve someone else.
func (r *run) ownsPod(podID, taskID string) bool {
	pod, ok := r.s.pool.Get(podID)
	return ok && pod.WorkOrderID == r.wo.ID && pod.CurrentTaskID == taskID
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
