package domain

import (
	"fmt"
	"net/http"
	"strings"
)

// WorkOrderNotFoundError is returned when a work order ID does not exist.
type WorkOrderNotFoundError struct {
	WorkOrderID string
}

func (e *WorkOrderNotFoundError) Error() string {
	return fmt.Sprintf("work order not found: %s", e.WorkOrderID)
}

// InvalidTransitionError is returned when a work order cannot move between
// two states.
type InvalidTransitionError struct {
	WorkOrderID string
	From        WorkOrderStatus
	To          WorkOrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("work order %s cannot transition from %s to %s", e.WorkOrderID, e.From, e.To)
}

// PlanValidationError collects every problem found while building a plan.
type PlanValidationError struct {
	Problems []string
}

func (e *PlanValidationError) Error() string {
	return "invalid plan: " + strings.Join(e.Problems, "; ")
}

// PodUnavailableError is returned when no pod of a role can be acquired.
type PodUnavailableError struct {
	Role   Role
	Reason string
}

func (e *PodUnavailableError) Error() string {
	return fmt.Sprintf("no %s pod available: %s", e.Role, e.Reason)
}

// InvalidPodTransitionError is returned when a pod cannot move between two
// states.
type InvalidPodTransitionError struct {
	PodID string
	From  PodStatus
	To    PodStatus
}

func (e *InvalidPodTransitionError) Error() string {
	return fmt.Sprintf("pod %s cannot transition from %s to %s", e.PodID, e.From, e.To)
}

// UnknownToolError is returned when no tool is registered under a name.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("no tool registered with name %q", e.Name)
}

// ToolDeniedError is returned when the contract forbids a tool call.
type ToolDeniedError struct {
	Name   string
	Reason string
}

func (e *ToolDeniedError) Error() string {
	return fmt.Sprintf("tool %q denied: %s", e.Name, e.Reason)
}

// ModelError is a failed call to a backing model.
type ModelError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s/%s returned status %d: %s", e.Provider, e.Model, e.StatusCode, e.Message)
}

// Transient reports whether the call may succeed on retry.
func (e *ModelError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// ModelChainExhaustedError is returned when every model in a fallback chain
// failed.
type ModelChainExhaustedError struct {
	Models []string
	Last   error
}

func (e *ModelChainExhaustedError) Error() string {
	return fmt.Sprintf("all models failed [%s]: %v", strings.Join(e.Models, ", "), e.Last)
}

func (e *ModelChainExhaustedError) Unwrap() error { return e.Last }

// IterationLimitError is returned when a pod's task loop hits its cap
// without producing a final answer.
type IterationLimitError struct {
	TaskID string
	Limit  int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("task %s reached the iteration limit of %d without completing", e.TaskID, e.Limit)
}

// QualityGateError is returned when a phase cannot be approved because the
// quality requirements are not met.
type QualityGateError struct {
	PhaseID  string
	Score    float64
	MinScore float64
	Missing  []string
}

func (e *QualityGateError) Error() string {
	msg := fmt.Sprintf("phase %s quality score %.2f below minimum %.2f", e.PhaseID, e.Score, e.MinScore)
	if len(e.Missing) > 0 {
		msg += fmt.Sprintf(" (missing checks: %s)", strings.Join(e.Missing, ", "))
	}
	return msg
}

// AnswerRequiredError is returned when resuming a work order that is waiting
// for a human answer without supplying one.
type AnswerRequiredError struct {
	WorkOrderID    string
	Question       string
	RequiredFields []string
}

func (e *AnswerRequiredError) Error() string {
	msg := fmt.Sprintf("work order %s is waiting for an answer to %q", e.WorkOrderID, e.Question)
	if len(e.RequiredFields) > 0 {
		msg += fmt.Sprintf(" (required fields: %s)", strings.Join(e.RequiredFields, ", "))
	}
	return msg
}

// InvalidRequestError is returned when caller input is rejected before any
// state changes.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// WorkOrderHaltedError is returned to a running task whose work order can
// no longer run.
type WorkOrderHaltedError struct {
	WorkOrderID string
	Status      WorkOrderStatus
}

func (e *WorkOrderHaltedError) Error() string {
	return fmt.Sprintf("work order %s is %s", e.WorkOrderID, e.Status)
}

// PodNotFoundError is returned when a pod ID does not exist in the pool.
type PodNotFoundError struct {
	PodID string
}

func (e *PodNotFoundError) Error() string {
	return fmt.Sprintf("pod not found: %s", e.PodID)
}

// NotSuspendedError is returned when an operation needs the work order to
// be paused or at a checkpoint first.
type NotSuspendedError struct {
	WorkOrderID string
	Status      WorkOrderStatus
	Action      string
}

func (e *NotSuspendedError) Error() string {
	return fmt.Sprintf("work order %s is %s; pause it before %s", e.WorkOrderID, e.Status, e.Action)
}
