package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ramiqadoumi/tbwo/internal/agent"
	"github.com/ramiqadoumi/tbwo/internal/contract"
	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/pkg/telemetry"
)

var _ agent.Env = (*run)(nil)

// Barrier parks the pod while the work order is suspended. The task deadline
// does not run while parked.
func (r *run) Barrier(ctx context.Context, podID string) ([]domain.HumanAnswer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sl := r.inflight[podID]
	parked := false
	for r.wo.Status.IsSuspended() && ctx.Err() == nil {
		if !parked {
			parked = true
			if r.wo.Status == domain.StatusCheckpoint {
				_ = r.s.pool.Checkpoint(podID)
			} else {
				_ = r.s.pool.Wait(podID)
			}
			if sl != nil {
				sl.deadline.pause()
			}
			stop := context.AfterFunc(ctx, r.wake)
			defer stop()
			r.logger.Debug("pod parked", slog.String("pod_id", podID), slog.String("status", string(r.wo.Status)))
		}
		r.cond.Wait()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.wo.Status.IsTerminal() {
		return nil, &domain.WorkOrderHaltedError{WorkOrderID: r.wo.ID, Status: r.wo.Status}
	}
	if parked {
		_ = r.s.pool.Resume(podID)
		if sl != nil {
			sl.deadline.resume()
		}
	}

	from := r.seen[podID]
	if from >= len(r.wo.Answers) {
		return nil, nil
	}
	r.seen[podID] = len(r.wo.Answers)
	return append([]domain.HumanAnswer(nil), r.wo.Answers[from:]...), nil
}

func (r *run) Check(op contract.Operation) contract.ValidationResult {
	return r.enforcer.Check(op)
}

// RecordUsage charges a model call. Crossing a budget ceiling pauses the
// work order before any further dispatch.
func (r *run) RecordUsage(u contract.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyOutcomeLocked(r.enforcer.RecordUsage(u))
}

func (r *run) ReportQualityCheck(name string, passed bool, taskID, podID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyOutcomeLocked(r.enforcer.RecordQualityCheck(name, passed, taskID, podID))
}

func (r *run) PauseAndAsk(podID, taskID string, in domain.PauseAndAskInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.askLocked(domain.PauseRequest{
		PodID:                   podID,
		TaskID:                  taskID,
		Reason:                  in.Reason,
		Question:                in.Question,
		RequiredFields:          append([]string(nil), in.RequiredFields...),
		CanInferFromVagueAnswer: in.CanInferFromVagueAnswer,
	})
}

// askLocked suspends the work order until p is answered. Only one question
// is open at a time.
func (r *run) askLocked(p domain.PauseRequest) error {
	if strings.TrimSpace(p.Question) == "" {
		return &domain.InvalidRequestError{Field: "question", Reason: "must not be empty"}
	}
	switch r.wo.Status {
	case domain.StatusExecuting, domain.StatusPaused:
	default:
		return &domain.InvalidTransitionError{WorkOrderID: r.wo.ID, From: r.wo.Status, To: domain.StatusPausedWaitingForUser}
	}
	if p.RequestedAt.IsZero() {
		p.RequestedAt = r.s.now().UTC()
	}
	r.wo.PendingPause = &p
	if err := r.setStatusLocked(domain.StatusPausedWaitingForUser, "waiting for answer: "+p.Question); err != nil {
		r.wo.PendingPause = nil
		return err
	}
	telemetry.EscalationsRaised.Inc()
	pause := p
	r.emit(domain.Event{
		Type:    domain.EventPauseRequested,
		TaskID:  p.TaskID,
		PodID:   p.PodID,
		Pause:   &pause,
		Message: p.Question,
	})
	r.logger.Info("pause requested",
		slog.String("pod_id", p.PodID),
		slog.String("task_id", p.TaskID),
		slog.String("reason", p.Reason),
	)
	return nil
}

// answerLocked records a human answer to the pending question. Missing
// required fields are accepted only when the question allows inferring
// them from a free-text answer.
func (r *run) answerLocked(ans *domain.HumanAnswer) error {
	pp := r.wo.PendingPause
	required := func(fields []string) error {
		e := &domain.AnswerRequiredError{WorkOrderID: r.wo.ID, RequiredFields: fields}
		if pp != nil {
			e.Question = pp.Question
		}
		return e
	}
	if ans == nil {
		if pp != nil {
			return required(pp.RequiredFields)
		}
		return required(nil)
	}
	text := strings.TrimSpace(ans.Answer)
	if text == "" && len(ans.Fields) == 0 {
		return required(nil)
	}

	a := *ans
	a.Answer = text
	a.Fields = make(map[string]string, len(ans.Fields))
	for k, v := range ans.Fields {
		a.Fields[k] = v
	}
	if pp != nil {
		var missing []string
		for _, f := range pp.RequiredFields {
			if strings.TrimSpace(a.Fields[f]) == "" {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 && !(pp.CanInferFromVagueAnswer && text != "") {
			return required(missing)
		}
		a.Question = pp.Question
	}
	if a.AnsweredAt.IsZero() {
		a.AnsweredAt = r.s.now().UTC()
	}
	r.wo.Answers = append(r.wo.Answers, a)
	r.wo.PendingPause = nil
	r.logger.Info("answer recorded", slog.String("answered_by", a.AnsweredBy))
	return nil
}

func (r *run) extendLocked(b BudgetExtension) {
	if b.TotalMinutes > 0 {
		r.wo.TimeBudget.TotalMinutes = b.TotalMinutes
		r.enforcer.ExtendBudget(domain.StopTimeExceeded, b.TotalMinutes)
	}
	if b.MaxTokens > 0 {
		r.enforcer.ExtendBudget(domain.StopTokenExceeded, float64(b.MaxTokens))
	}
	if b.MaxCostUSD > 0 {
		r.enforcer.ExtendBudget(domain.StopCostExceeded, b.MaxCostUSD)
	}
	r.logger.Info("budget extended",
		slog.Float64("total_minutes", b.TotalMinutes),
		slog.Int64("max_tokens", b.MaxTokens),
		slog.Float64("max_cost_usd", b.MaxCostUSD),
	)
}

// PutArtifact stores a new artifact version and persists it.
func (r *run) PutArtifact(a domain.Artifact) (domain.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wo.Status.IsTerminal() {
		return domain.Artifact{}, &domain.WorkOrderHaltedError{WorkOrderID: r.wo.ID, Status: r.wo.Status}
	}
	stored, err := r.arts.Put(a)
	if err != nil {
		return domain.Artifact{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	if err := r.s.repo.SaveArtifact(ctx, stored); err != nil {
		r.logger.Error("persist artifact", slog.String("artifact_id", stored.ID), slog.String("error", err.Error()))
	}
	r.emit(domain.Event{
		Type:     domain.EventArtifactWritten,
		TaskID:   stored.TaskID,
		PodID:    stored.CreatedBy,
		Artifact: stored.Key(),
	})
	return stored, nil
}

// FetchArtifact looks an artifact up by ID, or the latest version at path.
func (r *run) FetchArtifact(path, id string) (domain.Artifact, bool) {
	if id != "" {
		return r.arts.Get(id)
	}
	return r.arts.Latest(path)
}

func (r *run) Send(from, to string, payload domain.MessagePayload) int {
	return r.bus.Send(from, to, payload)
}

// deadline cancels a task once it has run for total, not counting time
// spent parked at the barrier.
type deadline struct {
	total  time.Duration
	cancel context.CancelFunc

	mu      sync.Mutex
	timer   *time.Timer
	left    time.Duration
	started time.Time
	paused  bool
	fired   bool
}

func newDeadline(total time.Duration, cancel context.CancelFunc) *deadline {
	d := &deadline{total: total, cancel: cancel, left: total, started: time.Now()}
	d.timer = time.AfterFunc(total, d.fire)
	return d
}

func (d *deadline) fire() {
	d.mu.Lock()
	if d.paused {
		d.mu.Unlock()
		return
	}
	d.fired = true
	d.mu.Unlock()
	d.cancel()
}

func (d *deadline) pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused || d.fired {
		return
	}
	if d.timer.Stop() {
		d.left -= time.Since(d.started)
		d.paused = true
	}
}

func (d *deadline) resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused {
		return
	}
	d.paused = false
	d.started = time.Now()
	if d.left < 0 {
		d.left = 0
	}
	d.timer = time.AfterFunc(d.left, d.fire)
}

// stop disarms the deadline once the task has returned.
func (d *deadline) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
	d.timer.Stop()
}

func (d *deadline) expired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}
