package domain

import "time"

// Scope bounds what a work order may touch and spend.
type Scope struct {
	AllowedTools      []string `json:"allowed_tools,omitempty" yaml:"allowed_tools"`
	ForbiddenTools    []string `json:"forbidden_tools,omitempty" yaml:"forbidden_tools"`
	AllowedPaths      []string `json:"allowed_paths,omitempty" yaml:"allowed_paths"`
	ForbiddenPaths    []string `json:"forbidden_paths,omitempty" yaml:"forbidden_paths"`
	MaxCostUSD        float64  `json:"max_cost_usd,omitempty" yaml:"max_cost_usd"`
	MaxTokens         int64    `json:"max_tokens,omitempty" yaml:"max_tokens"`
	MaxConcurrentPods int      `json:"max_concurrent_pods,omitempty" yaml:"max_concurrent_pods"`
}

// QualityRequirements gate phases that require approval.
type QualityRequirements struct {
	MinScore       float64  `json:"min_score" yaml:"min_score"`
	RequiredChecks []string `json:"required_checks,omitempty" yaml:"required_checks"`
	PassedChecks   []string `json:"passed_checks,omitempty"`
	FailedChecks   []string `json:"failed_checks,omitempty"`
}

// StopConditionType names the counter a stop condition watches.
type StopConditionType string

const (
	StopTimeExceeded  StopConditionType = "time_exceeded"
	StopCostExceeded  StopConditionType = "cost_exceeded"
	StopTokenExceeded StopConditionType = "token_exceeded"
	StopQualityBelow  StopConditionType = "quality_below"
	StopFailureCount  StopConditionType = "failure_count"
)

// IsBudget reports whether the condition guards a budget a human can extend.
func (t StopConditionType) IsBudget() bool {
	return t == StopTimeExceeded || t == StopCostExceeded || t == StopTokenExceeded
}

// StopAction is what happens when a stop condition triggers.
type StopAction string

const (
	ActionWarn  StopAction = "warn"
	ActionPause StopAction = "pause"
	ActionStop  StopAction = "stop"
)

// Rank orders actions by strength.
func (a StopAction) Rank() int {
	switch a {
	case ActionWarn:
		return 1
	case ActionPause:
		return 2
	case ActionStop:
		return 3
	}
	return 0
}

// StopCondition is a threshold rule on a contract counter.
type StopCondition struct {
	Type      StopConditionType `json:"type" yaml:"type"`
	Threshold float64           `json:"threshold" yaml:"threshold"`
	Current   float64           `json:"current"`
	Triggered bool              `json:"triggered"`
	Action    StopAction        `json:"action" yaml:"action"`
}

// Severity grades a violation.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps a stop action to the severity of the violation it logs.
func SeverityFor(a StopAction) Severity {
	switch a {
	case ActionStop:
		return SeverityCritical
	case ActionPause:
		return SeverityError
	}
	return SeverityWarning
}

// Violation is an append-only contract log entry. Only Acknowledged and
// AcknowledgedBy change after it is written.
type Violation struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	TaskID         string     `json:"task_id,omitempty"`
	PhaseID        string     `json:"phase_id,omitempty"`
	PodID          string     `json:"pod_id,omitempty"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ContractUsage is the persisted snapshot of running totals.
type ContractUsage struct {
	Tokens     int64   `json:"tokens"`
	CostUSD    float64 `json:"cost_usd"`
	ElapsedMs  int64   `json:"elapsed_ms"`
	ModelCalls int64   `json:"model_calls"`
	Failures   int64   `json:"failures"`
}

// Contract is the budget, quality and scope envelope of a work order.
type Contract struct {
	Scope          Scope               `json:"scope"`
	Quality        QualityRequirements `json:"quality"`
	StopConditions []StopCondition     `json:"stop_conditions,omitempty"`
	Violations     []Violation         `json:"violations,omitempty"`
	Usage          ContractUsage       `json:"usage"`
}

// Clone returns a deep copy of the contract.
func (c Contract) Clone() Contract {
	out := c
	out.Scope.AllowedTools = append([]string(nil), c.Scope.AllowedTools...)
	out.Scope.ForbiddenTools = append([]string(nil), c.Scope.ForbiddenTools...)
	out.Scope.AllowedPaths = append([]string(nil), c.Scope.AllowedPaths...)
	out.Scope.ForbiddenPaths = append([]string(nil), c.Scope.ForbiddenPaths...)
	out.Quality.RequiredChecks = append([]string(nil), c.Quality.RequiredChecks...)
	out.Quality.PassedChecks = append([]string(nil), c.Quality.PassedChecks...)
	out.Quality.FailedChecks = append([]string(nil), c.Quality.FailedChecks...)
	out.StopConditions = append([]StopCondition(nil), c.StopConditions...)
	out.Violations = append([]Violation(nil), c.Violations...)
	return out
}
