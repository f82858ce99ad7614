package domain_test

import (
	"testing"
	"time"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.WorkOrderStatus
		want     bool
	}{
		{domain.StatusDraft, domain.StatusPlanning, true},
		{domain.StatusPlanning, domain.StatusAwaitingApproval, true},
		{domain.StatusAwaitingApproval, domain.StatusExecuting, true},
		{domain.StatusExecuting, domain.StatusPausedWaitingForUser, true},
		{domain.StatusPausedWaitingForUser, domain.StatusExecuting, true},
		{domain.StatusExecuting, domain.StatusCheckpoint, true},
		{domain.StatusCheckpoint, domain.StatusExecuting, true},
		{domain.StatusCompleting, domain.StatusCompleted, true},
		{domain.StatusPaused, domain.StatusCancelled, true},
		{domain.StatusDraft, domain.StatusFailed, true},
		{domain.StatusDraft, domain.StatusExecuting, false},
		{domain.StatusExecuting, domain.StatusCompleted, false},
		{domain.StatusCompleted, domain.StatusCancelled, false},
		{domain.StatusCancelled, domain.StatusExecuting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := domain.CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTimeBudget_Remaining(t *testing.T) {
	b := domain.TimeBudget{TotalMinutes: 10, ElapsedMinutes: 4}
	if got := b.Remaining(); got != 6*time.Minute {
		t.Errorf("Remaining() = %v, want 6m", got)
	}
	over := domain.TimeBudget{TotalMinutes: 10, ElapsedMinutes: 12}
	if got := over.Remaining(); got != 0 {
		t.Errorf("Remaining() on overrun = %v, want 0", got)
	}
}

func TestWorkOrderClone_IsDeep(t *testing.T) {
	wo := &domain.WorkOrder{
		ID:           "wo-1",
		PodIDs:       []string{"pod-1"},
		Contract:     domain.Contract{Violations: []domain.Violation{{ID: "v1"}}},
		PendingPause: &domain.PauseRequest{Question: "q", RequiredFields: []string{"a"}},
	}
	c := wo.Clone()
	c.PodIDs[0] = "pod-2"
	c.Contract.Violations[0].Acknowledged = true
	c.PendingPause.RequiredFields[0] = "b"

	if wo.PodIDs[0] != "pod-1" || wo.Contract.Violations[0].Acknowledged || wo.PendingPause.RequiredFields[0] != "a" {
		t.Error("mutating the clone leaked into the original work order")
	}
}
