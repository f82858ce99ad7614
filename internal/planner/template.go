package planner

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/plan"
)

// Template builds a fixed research → design → build → QA plan whose depth
// follows the quality target. It never calls a model.
type Template struct{}

type step struct {
	phase  string
	name   string
	role   domain.Role
	weight float64
	desc   string
}

// Plan implements Planner.
func (Template) Plan(_ context.Context, wo *domain.WorkOrder) (*domain.Plan, error) {
	steps := stepsFor(wo.Quality)

	var total float64
	for _, s := range steps {
		total += s.weight
	}

	var phases []*domain.Phase
	byID := map[string]*domain.Phase{}
	for _, s := range steps {
		ph, ok := byID[s.phase]
		if !ok {
			ph = &domain.Phase{ID: s.phase, Name: phaseNames[s.phase]}
			if n := len(phases); n > 0 {
				ph.DependsOn = []string{phases[n-1].ID}
			}
			ph.RequiresApproval = s.phase == "design" &&
				(wo.Quality == domain.QualityPremium || wo.Quality == domain.QualityMaximum)
			byID[s.phase] = ph
			phases = append(phases, ph)
		}
		ph.Tasks = append(ph.Tasks, &domain.Task{
			ID:               fmt.Sprintf("%s-%d", s.phase, len(ph.Tasks)+1),
			Name:             s.name,
			Description:      fmt.Sprintf(s.desc, wo.Objective),
			Role:             s.role,
			EstimatedMinutes: wo.TimeBudget.TotalMinutes * s.weight / total,
		})
	}
	return plan.New(uuid.NewString(), phases)
}

var phaseNames = map[string]string{
	"research": "Research",
	"design":   "Design",
	"build":    "Build",
	"qa":       "Quality assurance",
}

func stepsFor(q domain.QualityTarget) []step {
	research := step{"research", "Research requirements", domain.RoleResearch, 1,
		"Gather the facts, constraints and references needed for: %s. Write findings as an artifact."}
	design := step{"design", "Design the solution", domain.RoleDesign, 2,
		"Produce the structure, layout and key decisions for: %s."}
	frontend := step{"build", "Build the user-facing deliverable", domain.RoleFrontend, 3,
		"Implement the user-facing part of: %s, following the design artifacts."}
	backend := step{"build", "Build the supporting services", domain.RoleBackend, 3,
		"Implement the data and service side of: %s, following the design artifacts."}
	copywriting := step{"build", "Write the copy", domain.RoleCopy, 1,
		"Write the text content for: %s."}
	review := step{"qa", "Review every deliverable", domain.RoleQA, 1,
		"Check every artifact produced for: %s against the objective and report each quality check you run."}
	audit := step{"qa", "Audit against the objective", domain.RoleQA, 1,
		"Audit the complete deliverable set for: %s and list every gap you find."}

	switch q {
	case domain.QualityDraft:
		return []step{design, frontend}
	case domain.QualityPremium:
		return []step{research, design, frontend, backend, copywriting, review}
	case domain.QualityMaximum:
		return []step{research, design, frontend, backend, copywriting, review, audit}
	default:
		return []step{design, frontend, backend, review}
	}
}
