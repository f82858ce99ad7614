// Package plan holds the pure operations over a work order's plan: building
// and validating it, finding dispatchable tasks and recomputing status.
package plan

import (
	"fmt"
	"strings"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

// New validates phases and returns a pending plan. Every problem found is
// reported; a plan is never built with a phase silently dropped.
func New(id string, phases []*domain.Phase) (*domain.Plan, error) {
	p := &domain.Plan{ID: id, Phases: phases, Status: domain.PlanPending}
	if err := Validate(p); err != nil {
		return nil, err
	}
	for _, ph := range p.Phases {
		if ph.Status == "" {
			ph.Status = domain.PhasePending
		}
		for _, t := range ph.Tasks {
			if t.Status == "" {
				t.Status = domain.TaskPending
			}
		}
	}
	Advance(p)
	return p, nil
}

// Validate checks identifiers, roles, dependencies and cycles.
func Validate(p *domain.Plan) error {
	var problems []string
	if p == nil || len(p.Phases) == 0 {
		return &domain.PlanValidationError{Problems: []string{"plan has no phases"}}
	}

	phaseIDs := make(map[string]bool, len(p.Phases))
	taskIDs := make(map[string]bool)
	for i, ph := range p.Phases {
		if ph == nil {
			problems = append(problems, fmt.Sprintf("phase %d is nil", i))
			continue
		}
		if ph.ID == "" {
			problems = append(problems, fmt.Sprintf("phase %d has no id", i))
		} else if phaseIDs[ph.ID] {
			problems = append(problems, fmt.Sprintf("duplicate phase id %q", ph.ID))
		}
		phaseIDs[ph.ID] = true
		if len(ph.Tasks) == 0 {
			problems = append(problems, fmt.Sprintf("phase %q has no tasks", ph.ID))
		}
		for j, t := range ph.Tasks {
			switch {
			case t == nil:
				problems = append(problems, fmt.Sprintf("phase %q task %d is nil", ph.ID, j))
				continue
			case t.ID == "":
				problems = append(problems, fmt.Sprintf("phase %q task %d has no id", ph.ID, j))
			case taskIDs[t.ID]:
				problems = append(problems, fmt.Sprintf("duplicate task id %q", t.ID))
			}
			taskIDs[t.ID] = true
			if strings.TrimSpace(t.Name) == "" {
				problems = append(problems, fmt.Sprintf("task %q has no name", t.ID))
			}
			if !t.Role.Valid() {
				problems = append(problems, fmt.Sprintf("task %q has unresolvable role %q", t.ID, t.Role))
			}
		}
	}

	for _, ph := range p.Phases {
		if ph == nil {
			continue
		}
		for _, dep := range ph.DependsOn {
			if dep == ph.ID {
				problems = append(problems, fmt.Sprintf("phase %q depends on itself", ph.ID))
			} else if !phaseIDs[dep] {
				problems = append(problems, fmt.Sprintf("phase %q depends on unknown phase %q", ph.ID, dep))
			}
		}
	}

	if cycle := findCycle(p); len(cycle) > 0 {
		problems = append(problems, "dependency cycle: "+strings.Join(cycle, " -> "))
	}

	if len(problems) > 0 {
		return &domain.PlanValidationError{Problems: problems}
	}
	return nil
}

// findCycle returns the phase IDs of the first dependency cycle found, with
// the starting phase repeated at the end, or nil.
func findCycle(p *domain.Plan) []string {
	deps := make(map[string][]string, len(p.Phases))
	for _, ph := range p.Phases {
		if ph != nil {
			deps[ph.ID] = ph.DependsOn
		}
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(deps))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known || dep == id {
				continue
			}
			switch state[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						break
					}
				}
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = visited
		return false
	}

	for _, ph := range p.Phases {
		if ph != nil && state[ph.ID] == unvisited && visit(ph.ID) {
			return cycle
		}
	}
	return nil
}

// ReadyTasks returns pending tasks whose phase dependencies are all
// complete, in plan order.
func ReadyTasks(p *domain.Plan) []*domain.Task {
	if p == nil {
		return nil
	}
	complete := make(map[string]bool, len(p.Phases))
	for _, ph := range p.Phases {
		complete[ph.ID] = ph.Status == domain.PhaseComplete
	}
	var ready []*domain.Task
	for _, ph := range p.Phases {
		if !depsComplete(ph, complete) {
			continue
		}
		for _, t := range ph.Tasks {
			if t.Status == domain.TaskPending {
				ready = append(ready, t)
			}
		}
	}
	return ready
}

func depsComplete(ph *domain.Phase, complete map[string]bool) bool {
	for _, dep := range ph.DependsOn {
		if !complete[dep] {
			return false
		}
	}
	return true
}

// IsPhaseComplete reports whether every task is complete or skipped.
func IsPhaseComplete(ph *domain.Phase) bool {
	for _, t := range ph.Tasks {
		if !t.Status.Done() {
			return false
		}
	}
	return true
}

// Advance recomputes phase and plan status bottom-up. A phase that requires
// approval stays in awaiting_review until Approve is called.
func Advance(p *domain.Plan) {
	if p == nil {
		return
	}
	allComplete, anyFailed, anyStarted := true, false, false
	for _, ph := range p.Phases {
		ph.Status = phaseStatus(ph)
		switch ph.Status {
		case domain.PhaseComplete:
			anyStarted = true
		case domain.PhaseFailed:
			anyFailed, allComplete = true, false
		case domain.PhasePending:
			allComplete = false
		default:
			anyStarted, allComplete = true, false
		}
	}
	switch {
	case anyFailed:
		p.Status = domain.PlanFailed
	case allComplete:
		p.Status = domain.PlanComplete
	case anyStarted:
		p.Status = domain.PlanInProgress
	default:
		p.Status = domain.PlanPending
	}
}

// phaseStatus derives a phase's status from its tasks. A failed task lets the
// rest of the phase keep running; the phase fails once nothing is left.
func phaseStatus(ph *domain.Phase) domain.PhaseStatus {
	pending, done, failed := 0, 0, 0
	for _, t := range ph.Tasks {
		switch {
		case t.Status == domain.TaskFailed:
			failed++
		case t.Status.Done():
			done++
		case t.Status == domain.TaskPending:
			pending++
		}
	}
	switch {
	case failed > 0 && failed+done == len(ph.Tasks):
		return domain.PhaseFailed
	case done == len(ph.Tasks):
		if ph.RequiresApproval && !ph.Approved {
			return domain.PhaseAwaitingReview
		}
		return domain.PhaseComplete
	case pending == len(ph.Tasks):
		return domain.PhasePending
	}
	return domain.PhaseInProgress
}

// Approve marks a phase approved and recomputes status.
func Approve(p *domain.Plan, phaseID string) error {
	for _, ph := range p.Phases {
		if ph.ID == phaseID {
			ph.Approved = true
			Advance(p)
			return nil
		}
	}
	return fmt.Errorf("phase %q not found", phaseID)
}

// AwaitingReview returns the first phase waiting for approval, or nil.
func AwaitingReview(p *domain.Plan) *domain.Phase {
	if p == nil {
		return nil
	}
	for _, ph := range p.Phases {
		if ph.Status == domain.PhaseAwaitingReview {
			return ph
		}
	}
	return nil
}

// FindTask returns the task with id and the index of its phase.
func FindTask(p *domain.Plan, id string) (*domain.Task, int, bool) {
	if p == nil {
		return nil, -1, false
	}
	for i, ph := range p.Phases {
		for _, t := range ph.Tasks {
			if t.ID == id {
				return t, i, true
			}
		}
	}
	return nil, -1, false
}

// PhaseOf returns the phase containing task id and its index.
func PhaseOf(p *domain.Plan, id string) (*domain.Phase, int) {
	_, idx, ok := FindTask(p, id)
	if !ok {
		return nil, -1
	}
	return p.Phases[idx], idx
}

// Remaining counts tasks that are not terminal.
func Remaining(p *domain.Plan) int {
	if p == nil {
		return 0
	}
	n := 0
	for _, ph := range p.Phases {
		for _, t := range ph.Tasks {
			if !t.Status.IsTerminal() {
				n++
			}
		}
	}
	return n
}

// Progress returns the fraction of tasks done, in [0,1].
func Progress(p *domain.Plan) float64 {
	if p == nil {
		return 0
	}
	total, done := 0, 0
	for _, ph := range p.Phases {
		for _, t := range ph.Tasks {
			total++
			if t.Status.Done() {
				done++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total)
}

// Retry returns a failed task to pending.
func Retry(p *domain.Plan, id string) error {
	t, _, ok := FindTask(p, id)
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	if t.Status != domain.TaskFailed {
		return fmt.Errorf("task %q is %s, only failed tasks can be retried", id, t.Status)
	}
	t.Status = domain.TaskPending
	t.Error = ""
	t.AssignedPodID = ""
	Advance(p)
	return nil
}

// Skip marks a pending or failed task skipped so its phase can complete.
func Skip(p *domain.Plan, id string) error {
	t, _, ok := FindTask(p, id)
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	if t.Status == domain.TaskComplete || t.Status == domain.TaskInProgress {
		return fmt.Errorf("task %q is %s and cannot be skipped", id, t.Status)
	}
	t.Status = domain.TaskSkipped
	Advance(p)
	return nil
}

// Reset returns in-progress tasks to pending, for recovery after a restart.
// It returns the number of tasks reset.
func Reset(p *domain.Plan) int {
	if p == nil {
		return 0
	}
	n := 0
	for _, ph := range p.Phases {
		for _, t := range ph.Tasks {
			if t.Status == domain.TaskInProgress {
				t.Status = domain.TaskPending
				t.AssignedPodID = ""
				t.StartedAt = nil
				n++
			}
		}
	}
	Advance(p)
	return n
}

// Roles returns the distinct roles the plan needs, in first-seen order.
func Roles(p *domain.Plan) []domain.Role {
	if p == nil {
		return nil
	}
	seen := make(map[domain.Role]bool)
	var roles []domain.Role
	for _, ph := range p.Phases {
		for _, t := range ph.Tasks {
			if !seen[t.Role] {
				seen[t.Role] = true
				roles = append(roles, t.Role)
			}
		}
	}
	return roles
}
