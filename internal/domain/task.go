package domain

import "time"

// TaskStatus represents the states a task can be in.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskComplete   TaskStatus = "complete"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// IsTerminal returns true if the task will not run again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskComplete || s == TaskFailed || s == TaskSkipped
}

// Done reports whether the task counts towards phase completion.
func (s TaskStatus) Done() bool {
	return s == TaskComplete || s == TaskSkipped
}

// PhaseStatus represents the aggregate state of a phase.
type PhaseStatus string

const (
	PhasePending        PhaseStatus = "pending"
	PhaseInProgress     PhaseStatus = "in_progress"
	PhaseAwaitingReview PhaseStatus = "awaiting_review"
	PhaseComplete       PhaseStatus = "complete"
	PhaseFailed         PhaseStatus = "failed"
)

// PlanStatus represents the aggregate state of a plan.
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanInProgress PlanStatus = "in_progress"
	PlanComplete   PlanStatus = "complete"
	PlanFailed     PlanStatus = "failed"
)

// Task is the smallest dispatchable unit of work.
type Task struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	Role             Role       `json:"role"`
	AssignedPodID    string     `json:"assigned_pod_id,omitempty"`
	Status           TaskStatus `json:"status"`
	EstimatedMinutes float64    `json:"estimated_minutes"`
	Attempts         int        `json:"attempts"`
	Error            string     `json:"error,omitempty"`
	Summary          string     `json:"summary,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Phase is an ordered stage of a plan.
type Phase struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	DependsOn        []string    `json:"depends_on,omitempty"`
	Tasks            []*Task     `json:"tasks"`
	PodIDs           []string    `json:"pod_ids,omitempty"`
	RequiresApproval bool        `json:"requires_approval,omitempty"`
	Approved         bool        `json:"approved,omitempty"`
	Status           PhaseStatus `json:"status"`
}

// Plan is the ordered list of phases for a work order.
type Plan struct {
	ID     string     `json:"id"`
	Phases []*Phase   `json:"phases"`
	Status PlanStatus `json:"status"`
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := &Plan{ID: p.ID, Status: p.Status, Phases: make([]*Phase, 0, len(p.Phases))}
	for _, ph := range p.Phases {
		pc := *ph
		pc.DependsOn = append([]string(nil), ph.DependsOn...)
		pc.PodIDs = append([]string(nil), ph.PodIDs...)
		pc.Tasks = make([]*Task, 0, len(ph.Tasks))
		for _, t := range ph.Tasks {
			tc := *t
			pc.Tasks = append(pc.Tasks, &tc)
		}
		c.Phases = append(c.Phases, &pc)
	}
	return c
}
