package domain

import "time"

// WorkOrderStatus represents the states a work order can be in.
type WorkOrderStatus string

const (
	StatusDraft                WorkOrderStatus = "draft"
	StatusPlanning             WorkOrderStatus = "planning"
	StatusAwaitingApproval     WorkOrderStatus = "awaiting_approval"
	StatusExecuting            WorkOrderStatus = "executing"
	StatusPaused               WorkOrderStatus = "paused"
	StatusPausedWaitingForUser WorkOrderStatus = "paused_waiting_for_user"
	StatusCheckpoint           WorkOrderStatus = "checkpoint"
	StatusCompleting           WorkOrderStatus = "completing"
	StatusCompleted            WorkOrderStatus = "completed"
	StatusCancelled            WorkOrderStatus = "cancelled"
	StatusFailed               WorkOrderStatus = "failed"
)

// IsTerminal returns true if no further state transitions are possible.
func (s WorkOrderStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// IsSuspended reports whether the work order is halted and waiting for an
// external resume.
func (s WorkOrderStatus) IsSuspended() bool {
	return s == StatusPaused || s == StatusPausedWaitingForUser || s == StatusCheckpoint
}

// transitions lists the forward edges of the work order state machine.
// cancelled and failed are reachable from every non-terminal state and are
// handled by CanTransition directly.
var transitions = map[WorkOrderStatus][]WorkOrderStatus{
	StatusDraft:                {StatusPlanning, StatusAwaitingApproval},
	StatusPlanning:             {StatusAwaitingApproval, StatusDraft},
	StatusAwaitingApproval:     {StatusExecuting, StatusPlanning},
	StatusExecuting:            {StatusPaused, StatusPausedWaitingForUser, StatusCheckpoint, StatusCompleting},
	StatusPaused:               {StatusExecuting, StatusPausedWaitingForUser},
	StatusPausedWaitingForUser: {StatusExecuting, StatusPaused},
	StatusCheckpoint:           {StatusExecuting, StatusCompleting, StatusPaused},
	StatusCompleting:           {StatusCompleted},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to WorkOrderStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelled || to == StatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// QualityTarget is the requested polish level for a work order.
type QualityTarget string

const (
	QualityDraft    QualityTarget = "draft"
	QualityStandard QualityTarget = "standard"
	QualityPremium  QualityTarget = "premium"
	QualityMaximum  QualityTarget = "maximum"
)

// Valid reports whether q is one of the known quality targets.
func (q QualityTarget) Valid() bool {
	switch q {
	case QualityDraft, QualityStandard, QualityPremium, QualityMaximum:
		return true
	}
	return false
}

// TimeBudget tracks the wall-clock budget of a work order in minutes.
// ElapsedMinutes may exceed TotalMinutes; overruns are reported by the
// contract enforcer, not rejected here.
type TimeBudget struct {
	TotalMinutes   float64 `json:"total_minutes"`
	ElapsedMinutes float64 `json:"elapsed_minutes"`
}

// Remaining returns the unused budget, never negative.
func (b TimeBudget) Remaining() time.Duration {
	left := b.TotalMinutes - b.ElapsedMinutes
	if left <= 0 {
		return 0
	}
	return time.Duration(left * float64(time.Minute))
}

// Checkpoint records a point where execution stopped for review.
type Checkpoint struct {
	ID        string    `json:"id"`
	PhaseID   string    `json:"phase_id"`
	Message   string    `json:"message"`
	Approved  bool      `json:"approved"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorEntry attributes a failure to the task, phase and pod that produced it.
type ErrorEntry struct {
	TaskID    string    `json:"task_id,omitempty"`
	PhaseID   string    `json:"phase_id,omitempty"`
	PodID     string    `json:"pod_id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// PauseRequest is raised by a pod that needs information it cannot infer.
type PauseRequest struct {
	PodID                   string    `json:"pod_id,omitempty"`
	TaskID                  string    `json:"task_id,omitempty"`
	Reason                  string    `json:"reason"`
	Question                string    `json:"question"`
	RequiredFields          []string  `json:"required_fields,omitempty"`
	CanInferFromVagueAnswer bool      `json:"can_infer_from_vague_answer"`
	RequestedAt             time.Time `json:"requested_at"`
}

// HumanAnswer resolves a PauseRequest.
type HumanAnswer struct {
	Question   string            `json:"question,omitempty"`
	Answer     string            `json:"answer"`
	Fields     map[string]string `json:"fields,omitempty"`
	AnsweredBy string            `json:"answered_by,omitempty"`
	AnsweredAt time.Time         `json:"answered_at"`
}

// WorkOrder is the root aggregate: an objective with a budget, a plan and a
// contract.
type WorkOrder struct {
	ID           string          `json:"id"`
	Objective    string          `json:"objective"`
	Context      string          `json:"context,omitempty"`
	Status       WorkOrderStatus `json:"status"`
	Quality      QualityTarget   `json:"quality"`
	TimeBudget   TimeBudget      `json:"time_budget"`
	Plan         *Plan           `json:"plan,omitempty"`
	PodIDs       []string        `json:"pod_ids,omitempty"`
	Contract     Contract        `json:"contract"`
	Checkpoints  []Checkpoint    `json:"checkpoints,omitempty"`
	Errors       []ErrorEntry    `json:"errors,omitempty"`
	PendingPause *PauseRequest   `json:"pending_pause,omitempty"`
	Answers      []HumanAnswer   `json:"answers,omitempty"`
	Message      string          `json:"message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to readers outside the scheduler.
func (w *WorkOrder) Clone() *WorkOrder {
	if w == nil {
		return nil
	}
	c := *w
	c.Plan = w.Plan.Clone()
	c.PodIDs = append([]string(nil), w.PodIDs...)
	c.Contract = w.Contract.Clone()
	c.Checkpoints = append([]Checkpoint(nil), w.Checkpoints...)
	c.Errors = append([]ErrorEntry(nil), w.Errors...)
	c.Answers = append([]HumanAnswer(nil), w.Answers...)
	if w.PendingPause != nil {
		p := *w.PendingPause
		p.RequiredFields = append([]string(nil), w.PendingPause.RequiredFields...)
		c.PendingPause = &p
	}
	return &c
}

// TaskExecution records a single execution attempt of a task.
type TaskExecution struct {
	ID          string     `json:"id"`
	WorkOrderID string     `json:"work_order_id"`
	TaskID      string     `json:"task_id"`
	PodID       string     `json:"pod_id"`
	Model       string     `json:"model,omitempty"`
	Attempt     int        `json:"attempt"`
	Status      TaskStatus `json:"status"`
	Tokens      int64      `json:"tokens"`
	CostUSD     float64    `json:"cost_usd"`
	DurationMs  int64      `json:"duration_ms"`
	Error       string     `json:"error,omitempty"`
	ExecutedAt  time.Time  `json:"executed_at"`
}

// LiveStatus is the compact progress view of a running work order, cached
// for status queries that must not touch the scheduler.
type LiveStatus struct {
	WorkOrderID     string          `json:"work_order_id"`
	Status          WorkOrderStatus `json:"status"`
	Progress        float64         `json:"progress"`
	TasksRemaining  int             `json:"tasks_remaining"`
	ActivePods      int             `json:"active_pods"`
	ElapsedMinutes  float64         `json:"elapsed_minutes"`
	TotalMinutes    float64         `json:"total_minutes"`
	TokensUsed      int64           `json:"tokens_used"`
	CostUSD         float64         `json:"cost_usd"`
	PendingQuestion string          `json:"pending_question,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
