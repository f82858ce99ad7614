// Package contract enforces a work order's budgets, scope and quality
// requirements and keeps its violation log.
package contract

import (
	"fmt"
	"log/slog"
	"math"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/pkg/telemetry"
)

// WarnRatio is the share of a ceiling at which Check starts warning.
const WarnRatio = 0.8

// Violation types recorded by the enforcer and its callers.
const (
	ViolationToolForbidden = "tool_forbidden"
	ViolationPathForbidden = "path_forbidden"
	ViolationBudget        = "budget_exhausted"
	ViolationTaskTimeout   = "task_timeout"
	ViolationTaskFailed    = "task_failed"
)

// OpKind distinguishes the operations Check validates.
type OpKind string

const (
	OpTool  OpKind = "tool"
	OpModel OpKind = "model"
)

// Operation is a pending tool or model call.
type Operation struct {
	Kind             OpKind
	Tool             string
	Path             string
	EstimatedTokens  int64
	EstimatedCostUSD float64
	TaskID           string
	PhaseID          string
	PodID            string
}

// ValidationResult is the verdict of Check.
type ValidationResult struct {
	Allowed    bool
	Violations []domain.Violation
	Warnings   []string
}

// Usage is an increment of consumption.
type Usage struct {
	Tokens     int64
	CostUSD    float64
	ModelCalls int64
	TaskID     string
	PodID      string
}

// Outcome reports the stop conditions an update triggered.
type Outcome struct {
	Action     domain.StopAction
	Triggered  []domain.StopCondition
	Violations []domain.Violation
}

// Halts reports whether the work order must leave executing.
func (o Outcome) Halts() bool {
	return o.Action == domain.ActionPause || o.Action == domain.ActionStop
}

// Status returns the status the work order moves to, or "" when it keeps
// running. A stop on a budget condition pauses so a human can extend the
// budget; a stop on any other condition fails the work order.
func (o Outcome) Status() domain.WorkOrderStatus {
	if !o.Halts() {
		return ""
	}
	for _, c := range o.Triggered {
		if c.Action == domain.ActionStop && !c.Type.IsBudget() {
			return domain.StatusFailed
		}
	}
	return domain.StatusPaused
}

func (o *Outcome) merge(other Outcome) {
	if other.Action.Rank() > o.Action.Rank() {
		o.Action = other.Action
	}
	o.Triggered = append(o.Triggered, other.Triggered...)
	o.Violations = append(o.Violations, other.Violations...)
}

// Enforcer tracks running totals against a contract. Counters are atomic so
// concurrent tasks never race a read-modify-write past a ceiling.
type Enforcer struct {
	tokens     atomic.Int64
	costMicros atomic.Int64
	elapsedMs  atomic.Int64
	calls      atomic.Int64
	failures   atomic.Int64

	mu      sync.Mutex
	scope   domain.Scope
	quality domain.QualityRequirements
	stops   []domain.StopCondition
	log     []domain.Violation
	onViol  func(domain.Violation)
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// WithViolationHook registers fn to be called for every new violation,
// outside the enforcer's lock.
func WithViolationHook(fn func(domain.Violation)) Option {
	return func(e *Enforcer) { e.onViol = fn }
}

// New creates an enforcer from c, resuming from its persisted usage. When c
// has no stop conditions, DefaultStopConditions are derived from the scope
// and budget.
func New(c domain.Contract, budget domain.TimeBudget, opts ...Option) *Enforcer {
	c = c.Clone()
	e := &Enforcer{
		scope:   c.Scope,
		quality: c.Quality,
		stops:   c.StopConditions,
		log:     c.Violations,
		logger:  slog.Default(),
		now:     time.Now,
	}
	if len(e.stops) == 0 {
		e.stops = DefaultStopConditions(c.Scope, budget)
		if c.Quality.MinScore > 0 {
			e.stops = append(e.stops, domain.StopCondition{Type: domain.StopQualityBelow, Threshold: c.Quality.MinScore, Action: domain.ActionWarn})
		}
	}
	e.tokens.Store(c.Usage.Tokens)
	e.costMicros.Store(toMicros(c.Usage.CostUSD))
	e.elapsedMs.Store(c.Usage.ElapsedMs)
	e.calls.Store(c.Usage.ModelCalls)
	e.failures.Store(c.Usage.Failures)
	for _, o := range opts {
		o(e)
	}
	return e
}

// DefaultStopConditions derives a warning at WarnRatio and a stop at the
// ceiling for each configured budget, plus a failure-count stop.
func DefaultStopConditions(scope domain.Scope, budget domain.TimeBudget) []domain.StopCondition {
	var out []domain.StopCondition
	add := func(t domain.StopConditionType, ceiling float64) {
		if ceiling <= 0 {
			return
		}
		out = append(out,
			domain.StopCondition{Type: t, Threshold: ceiling * WarnRatio, Action: domain.ActionWarn},
			domain.StopCondition{Type: t, Threshold: ceiling, Action: domain.ActionStop},
		)
	}
	add(domain.StopTimeExceeded, budget.TotalMinutes)
	add(domain.StopCostExceeded, scope.MaxCostUSD)
	add(domain.StopTokenExceeded, float64(scope.MaxTokens))
	out = append(out, domain.StopCondition{Type: domain.StopFailureCount, Threshold: 5, Action: domain.ActionStop})
	return out
}

func toMicros(usd float64) int64 { return int64(math.Round(usd * 1e6)) }

// Check validates op against the scope and remaining budget. Denials are
// appended to the violation log.
func (e *Enforcer) Check(op Operation) ValidationResult {
	res := ValidationResult{Allowed: true}
	deny := func(typ, msg string) {
		res.Allowed = false
		res.Violations = append(res.Violations, domain.Violation{
			ID:        uuid.NewString(),
			Type:      typ,
			Severity:  domain.SeverityError,
			Message:   msg,
			TaskID:    op.TaskID,
			PhaseID:   op.PhaseID,
			PodID:     op.PodID,
			CreatedAt: e.now(),
		})
	}

	e.mu.Lock()
	scope := e.scope
	e.mu.Unlock()

	if op.Tool != "" {
		if contains(scope.ForbiddenTools, op.Tool) {
			deny(ViolationToolForbidden, fmt.Sprintf("tool %q is forbidden by the contract", op.Tool))
		} else if len(scope.AllowedTools) > 0 && !contains(scope.AllowedTools, op.Tool) {
			deny(ViolationToolForbidden, fmt.Sprintf("tool %q is not in the allowed list", op.Tool))
		}
	}
	if op.Path != "" {
		if matchAny(scope.ForbiddenPaths, op.Path) {
			deny(ViolationPathForbidden, fmt.Sprintf("path %q is forbidden by the contract", op.Path))
		} else if len(scope.AllowedPaths) > 0 && !matchAny(scope.AllowedPaths, op.Path) {
			deny(ViolationPathForbidden, fmt.Sprintf("path %q is outside the allowed paths", op.Path))
		}
	}

	if scope.MaxTokens > 0 {
		used := e.tokens.Load()
		switch projected := used + op.EstimatedTokens; {
		case used >= scope.MaxTokens:
			deny(ViolationBudget, fmt.Sprintf("token budget exhausted (%d of %d)", used, scope.MaxTokens))
		case projected > scope.MaxTokens:
			res.Warnings = append(res.Warnings, fmt.Sprintf("call may exceed the token budget (%d projected of %d)", projected, scope.MaxTokens))
		case float64(projected) >= WarnRatio*float64(scope.MaxTokens):
			res.Warnings = append(res.Warnings, fmt.Sprintf("token usage at %.0f%% of budget", 100*float64(projected)/float64(scope.MaxTokens)))
		}
	}
	if scope.MaxCostUSD > 0 {
		used := float64(e.costMicros.Load()) / 1e6
		switch projected := used + op.EstimatedCostUSD; {
		case used >= scope.MaxCostUSD:
			deny(ViolationBudget, fmt.Sprintf("cost budget exhausted ($%.4f of $%.2f)", used, scope.MaxCostUSD))
		case projected > scope.MaxCostUSD:
			res.Warnings = append(res.Warnings, fmt.Sprintf("call may exceed the cost budget ($%.4f projected of $%.2f)", projected, scope.MaxCostUSD))
		case projected >= WarnRatio*scope.MaxCostUSD:
			res.Warnings = append(res.Warnings, fmt.Sprintf("cost at %.0f%% of budget", 100*projected/scope.MaxCostUSD))
		}
	}

	if len(res.Violations) > 0 {
		e.append(res.Violations...)
	}
	return res
}

// RecordUsage adds u to the running totals and evaluates the token and cost
// stop conditions on the values the increments returned.
func (e *Enforcer) RecordUsage(u Usage) Outcome {
	var out Outcome
	if u.ModelCalls > 0 {
		e.calls.Add(u.ModelCalls)
	}
	if u.Tokens > 0 {
		total := e.tokens.Add(u.Tokens)
		out.merge(e.evaluate(domain.StopTokenExceeded, float64(total), u.TaskID, u.PodID))
	}
	if u.CostUSD > 0 {
		total := e.costMicros.Add(toMicros(u.CostUSD))
		out.merge(e.evaluate(domain.StopCostExceeded, float64(total)/1e6, u.TaskID, u.PodID))
	}
	return out
}

// AddElapsed adds wall-clock time and evaluates the time stop conditions.
func (e *Enforcer) AddElapsed(d time.Duration) Outcome {
	if d <= 0 {
		return Outcome{}
	}
	total := e.elapsedMs.Add(d.Milliseconds())
	return e.evaluate(domain.StopTimeExceeded, float64(total)/60000, "", "")
}

// RecordFailure counts a failed task and evaluates failure-count conditions.
func (e *Enforcer) RecordFailure(taskID, podID string) Outcome {
	total := e.failures.Add(1)
	return e.evaluate(domain.StopFailureCount, float64(total), taskID, podID)
}

// evaluate triggers every untriggered condition of type t whose threshold
// value has reached. Each condition triggers at most once.
func (e *Enforcer) evaluate(t domain.StopConditionType, value float64, taskID, podID string) Outcome {
	var out Outcome
	e.mu.Lock()
	for i := range e.stops {
		c := &e.stops[i]
		if c.Type != t {
			continue
		}
		c.Current = value
		if c.Triggered || !reached(t, value, c.Threshold) {
			continue
		}
		c.Triggered = true
		v := domain.Violation{
			ID:        uuid.NewString(),
			Type:      string(t),
			Severity:  domain.SeverityFor(c.Action),
			Message:   describe(*c),
			TaskID:    taskID,
			PodID:     podID,
			CreatedAt: e.now(),
		}
		e.log = append(e.log, v)
		out.merge(Outcome{Action: c.Action, Triggered: []domain.StopCondition{*c}, Violations: []domain.Violation{v}})
	}
	e.mu.Unlock()
	e.notify(out.Violations)
	return out
}

func reached(t domain.StopConditionType, value, threshold float64) bool {
	if t == domain.StopQualityBelow {
		return value < threshold
	}
	return value >= threshold
}

func describe(c domain.StopCondition) string {
	switch c.Type {
	case domain.StopTimeExceeded:
		return fmt.Sprintf("elapsed %.1f min reached the %.1f min threshold (%s)", c.Current, c.Threshold, c.Action)
	case domain.StopCostExceeded:
		return fmt.Sprintf("cost $%.4f reached the $%.4f threshold (%s)", c.Current, c.Threshold, c.Action)
	case domain.StopTokenExceeded:
		return fmt.Sprintf("token usage %.0f reached the %.0f threshold (%s)", c.Current, c.Threshold, c.Action)
	case domain.StopQualityBelow:
		return fmt.Sprintf("quality score %.2f fell below %.2f (%s)", c.Current, c.Threshold, c.Action)
	case domain.StopFailureCount:
		return fmt.Sprintf("%.0f task failures reached the limit of %.0f (%s)", c.Current, c.Threshold, c.Action)
	}
	return fmt.Sprintf("%s reached %.2f (%s)", c.Type, c.Threshold, c.Action)
}

// Report appends an externally detected violation, such as a task timeout.
func (e *Enforcer) Report(v domain.Violation) domain.Violation {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = e.now()
	}
	if v.Severity == "" {
		v.Severity = domain.SeverityWarning
	}
	e.append(v)
	return v
}

func (e *Enforcer) append(vs ...domain.Violation) {
	e.mu.Lock()
	e.log = append(e.log, vs...)
	e.mu.Unlock()
	e.notify(vs)
}

func (e *Enforcer) notify(vs []domain.Violation) {
	for _, v := range vs {
		telemetry.ContractViolations.WithLabelValues(v.Type, string(v.Severity)).Inc()
		e.logger.Warn("contract violation",
			slog.String("type", v.Type),
			slog.String("severity", string(v.Severity)),
			slog.String("task_id", v.TaskID),
			slog.String("pod_id", v.PodID),
			slog.String("message", v.Message),
		)
		if e.onViol != nil {
			e.onViol(v)
		}
	}
}

// Acknowledge marks a violation as seen. It is the only mutation a
// violation ever receives.
func (e *Enforcer) Acknowledge(id, by string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.log {
		if e.log[i].ID != id {
			continue
		}
		if e.log[i].Acknowledged {
			return nil
		}
		at := e.now()
		e.log[i].Acknowledged = true
		e.log[i].AcknowledgedBy = by
		e.log[i].AcknowledgedAt = &at
		return nil
	}
	return fmt.Errorf("violation %s not found", id)
}

// Unacknowledged returns violations nobody has acknowledged yet.
func (e *Enforcer) Unacknowledged() []domain.Violation {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Violation
	for _, v := range e.log {
		if !v.Acknowledged {
			out = append(out, v)
		}
	}
	return out
}

// ExtendBudget raises the ceiling of type t and re-arms its conditions so a
// paused work order can resume.
func (e *Enforcer) ExtendBudget(t domain.StopConditionType, ceiling float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch t {
	case domain.StopTokenExceeded:
		e.scope.MaxTokens = int64(ceiling)
	case domain.StopCostExceeded:
		e.scope.MaxCostUSD = ceiling
	}
	for i := range e.stops {
		c := &e.stops[i]
		if c.Type != t {
			continue
		}
		if c.Action == domain.ActionWarn {
			c.Threshold = ceiling * WarnRatio
		} else {
			c.Threshold = ceiling
		}
		c.Triggered = reached(t, c.Current, c.Threshold)
	}
}

// Recheck re-arms the halting budget conditions and evaluates them against
// the current totals. A work order resumed without enough budget, or one whose
// stop fired while it was already suspended, halts again.
func (e *Enforcer) Recheck() Outcome {
	e.mu.Lock()
	for i := range e.stops {
		if c := &e.stops[i]; c.Type.IsBudget() && c.Action != domain.ActionWarn {
			c.Triggered = false
		}
	}
	e.mu.Unlock()

	var out Outcome
	out.merge(e.evaluate(domain.StopTokenExceeded, float64(e.tokens.Load()), "", ""))
	out.merge(e.evaluate(domain.StopCostExceeded, float64(e.costMicros.Load())/1e6, "", ""))
	out.merge(e.evaluate(domain.StopTimeExceeded, float64(e.elapsedMs.Load())/60000, "", ""))
	return out
}

// RecordQualityCheck stores the latest result of a named check and
// evaluates quality_below conditions against the new score.
func (e *Enforcer) RecordQualityCheck(name string, passed bool, taskID, podID string) Outcome {
	e.mu.Lock()
	e.quality.PassedChecks = remove(e.quality.PassedChecks, name)
	e.quality.FailedChecks = remove(e.quality.FailedChecks, name)
	if passed {
		e.quality.PassedChecks = append(e.quality.PassedChecks, name)
	} else {
		e.quality.FailedChecks = append(e.quality.FailedChecks, name)
	}
	score := e.scoreLocked()
	e.mu.Unlock()
	return e.evaluate(domain.StopQualityBelow, score, taskID, podID)
}

// QualityScore is passed checks over all known checks, where required checks
// that were never reported count as failed. With no checks at all the score
// is 1.
func (e *Enforcer) QualityScore() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scoreLocked()
}

func (e *Enforcer) scoreLocked() float64 {
	known := make(map[string]bool)
	for _, n := range e.quality.RequiredChecks {
		known[n] = false
	}
	for _, n := range e.quality.FailedChecks {
		known[n] = false
	}
	for _, n := range e.quality.PassedChecks {
		known[n] = true
	}
	if len(known) == 0 {
		return 1
	}
	passed := 0
	for _, ok := range known {
		if ok {
			passed++
		}
	}
	return float64(passed) / float64(len(known))
}

// QualityGate returns a QualityGateError when the score is below the minimum
// or a required check has not passed.
func (e *Enforcer) QualityGate(phaseID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	score := e.scoreLocked()
	var missing []string
	for _, n := range e.quality.RequiredChecks {
		if !contains(e.quality.PassedChecks, n) {
			missing = append(missing, n)
		}
	}
	if score < e.quality.MinScore || len(missing) > 0 {
		return &domain.QualityGateError{PhaseID: phaseID, Score: score, MinScore: e.quality.MinScore, Missing: missing}
	}
	return nil
}

// Usage returns the current running totals.
func (e *Enforcer) Usage() domain.ContractUsage {
	return domain.ContractUsage{
		Tokens:     e.tokens.Load(),
		CostUSD:    float64(e.costMicros.Load()) / 1e6,
		ElapsedMs:  e.elapsedMs.Load(),
		ModelCalls: e.calls.Load(),
		Failures:   e.failures.Load(),
	}
}

// Snapshot returns the contract with current totals, for persistence.
func (e *Enforcer) Snapshot() domain.Contract {
	usage := e.Usage()
	e.mu.Lock()
	defer e.mu.Unlock()
	c := domain.Contract{
		Scope:          e.scope,
		Quality:        e.quality,
		StopConditions: e.stops,
		Violations:     e.log,
		Usage:          usage,
	}
	return c.Clone()
}

// Scope returns the current scope.
func (e *Enforcer) Scope() domain.Scope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scope
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// matchAny reports whether p matches a glob pattern or sits under a
// directory prefix in patterns.
func matchAny(patterns []string, p string) bool {
	p = path.Clean(strings.TrimPrefix(p, "./"))
	for _, pat := range patterns {
		pat = strings.TrimPrefix(pat, "./")
		if ok, _ := path.Match(pat, p); ok {
			return true
		}
		dir := strings.TrimSuffix(pat, "/")
		if p == dir || strings.HasPrefix(p, dir+"/") {
			return true
		}
	}
	return false
}
