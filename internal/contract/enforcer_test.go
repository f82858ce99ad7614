package contract

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

func countSeverity(vs []domain.Violation, s domain.Severity) int {
	n := 0
	for _, v := range vs {
		if v.Severity == s {
			n++
		}
	}
	return n
}

// maxTokens=1000 and a usage update to 1050 pauses with one critical
// violation.
func TestRecordUsage_TokenStopPauses(t *testing.T) {
	e := New(domain.Contract{Scope: domain.Scope{MaxTokens: 1000}}, domain.TimeBudget{})

	out := e.RecordUsage(Usage{Tokens: 700, TaskID: "t1"})
	assert.False(t, out.Halts())

	out = e.RecordUsage(Usage{Tokens: 350, TaskID: "t2"})
	require.True(t, out.Halts())
	assert.Equal(t, domain.ActionStop, out.Action)
	assert.Equal(t, domain.StatusPaused, out.Status(), "a budget stop pauses so a human can extend it")
	assert.Equal(t, 1, countSeverity(out.Violations, domain.SeverityCritical))

	snap := e.Snapshot()
	assert.Equal(t, int64(1050), snap.Usage.Tokens)
	assert.Equal(t, 1, countSeverity(snap.Violations, domain.SeverityCritical))
	assert.Equal(t, "token_exceeded", out.Violations[len(out.Violations)-1].Type)
	assert.Equal(t, "t2", out.Violations[len(out.Violations)-1].TaskID)
}

func TestStopConditions_TriggerOnce(t *testing.T) {
	e := New(domain.Contract{Scope: domain.Scope{MaxTokens: 100}}, domain.TimeBudget{})
	first := e.RecordUsage(Usage{Tokens: 150})
	second := e.RecordUsage(Usage{Tokens: 10})

	assert.Len(t, first.Triggered, 2, "warn at 80% and stop at 100% both fire")
	assert.Empty(t, second.Triggered)
	assert.Len(t, e.Snapshot().Violations, 2)
}

func TestRecheck_RefiresExhaustedBudget(t *testing.T) {
	e := New(domain.Contract{}, domain.TimeBudget{TotalMinutes: 5})
	require.True(t, e.AddElapsed(6*time.Minute).Halts())
	assert.False(t, e.AddElapsed(time.Minute).Halts(), "a fired stop stays quiet")

	out := e.Recheck()
	require.True(t, out.Halts())
	assert.Equal(t, domain.StatusPaused, out.Status())
	require.Len(t, out.Triggered, 1, "the warning does not fire again")
	assert.Equal(t, domain.StopTimeExceeded, out.Triggered[0].Type)
	assert.Equal(t, 2, countSeverity(e.Snapshot().Violations, domain.SeverityCritical))

	e.ExtendBudget(domain.StopTimeExceeded, 30)
	assert.False(t, e.Recheck().Halts())
}

func TestRecordFailure_NonBudgetStopFails(t *testing.T) {
	e := New(domain.Contract{StopConditions: []domain.StopCondition{
		{Type: domain.StopFailureCount, Threshold: 2, Action: domain.ActionStop},
	}}, domain.TimeBudget{})

	assert.False(t, e.RecordFailure("t1", "p1").Halts())
	out := e.RecordFailure("t2", "p1")
	assert.Equal(t, domain.StatusFailed, out.Status())
}

func TestAddElapsed_TimeConditions(t *testing.T) {
	e := New(domain.Contract{}, domain.TimeBudget{TotalMinutes: 10})

	out := e.AddElapsed(8 * time.Minute)
	assert.Equal(t, domain.ActionWarn, out.Action)
	assert.False(t, out.Halts())

	out = e.AddElapsed(3 * time.Minute)
	assert.Equal(t, domain.StatusPaused, out.Status())
	assert.Equal(t, int64(11*60*1000), e.Usage().ElapsedMs)
}

func TestPauseAction_PausesWithErrorSeverity(t *testing.T) {
	e := New(domain.Contract{StopConditions: []domain.StopCondition{
		{Type: domain.StopCostExceeded, Threshold: 1, Action: domain.ActionPause},
	}}, domain.TimeBudget{})

	out := e.RecordUsage(Usage{CostUSD: 1.25})
	assert.Equal(t, domain.StatusPaused, out.Status())
	require.Len(t, out.Violations, 1)
	assert.Equal(t, domain.SeverityError, out.Violations[0].Severity)
}

// Budget monotonicity under concurrency: the stop fires exactly once and
// the final total equals the sum of increments.
func TestRecordUsage_Concurrent(t *testing.T) {
	e := New(domain.Contract{Scope: domain.Scope{MaxTokens: 5000}}, domain.TimeBudget{})

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		stops int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := e.RecordUsage(Usage{Tokens: 100, ModelCalls: 1})
			if out.Action == domain.ActionStop {
				mu.Lock()
				stops++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, stops)
	assert.Equal(t, int64(10000), e.Usage().Tokens)
	assert.Equal(t, int64(100), e.Usage().ModelCalls)
}

func TestCheck_ScopeRules(t *testing.T) {
	e := New(domain.Contract{Scope: domain.Scope{
		ForbiddenTools: []string{domain.ToolHTTPRequest},
		AllowedPaths:   []string{"src/", "docs/*.md"},
		ForbiddenPaths: []string{"src/secrets"},
	}}, domain.TimeBudget{})

	tests := []struct {
		name    string
		op      Operation
		allowed bool
	}{
		{"allowed tool and path", Operation{Tool: domain.ToolFileWrite, Path: "src/app.go"}, true},
		{"glob path", Operation{Tool: domain.ToolFileWrite, Path: "docs/readme.md"}, true},
		{"forbidden tool", Operation{Tool: domain.ToolHTTPRequest}, false},
		{"forbidden path wins", Operation{Tool: domain.ToolFileRead, Path: "src/secrets/key.pem"}, false},
		{"outside allowed", Operation{Tool: domain.ToolFileRead, Path: "etc/passwd"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Check(tt.op)
			assert.Equal(t, tt.allowed, res.Allowed)
			if !tt.allowed {
				assert.NotEmpty(t, res.Violations)
			}
		})
	}
}

func TestCheck_AllowedToolsWhitelist(t *testing.T) {
	e := New(domain.Contract{Scope: domain.Scope{AllowedTools: []string{domain.ToolFileRead}}}, domain.TimeBudget{})
	assert.True(t, e.Check(Operation{Tool: domain.ToolFileRead}).Allowed)
	assert.False(t, e.Check(Operation{Tool: domain.ToolWebSearch}).Allowed)
}

func TestCheck_BudgetWarningsAndDenial(t *testing.T) {
	e := New(domain.Contract{Scope: domain.Scope{MaxTokens: 1000}}, domain.TimeBudget{})

	res := e.Check(Operation{Kind: OpModel, EstimatedTokens: 850})
	assert.True(t, res.Allowed)
	assert.NotEmpty(t, res.Warnings)

	e.RecordUsage(Usage{Tokens: 1000})
	res = e.Check(Operation{Kind: OpModel, EstimatedTokens: 1})
	assert.False(t, res.Allowed)

	e.ExtendBudget(domain.StopTokenExceeded, 2000)
	res = e.Check(Operation{Kind: OpModel, EstimatedTokens: 1})
	assert.True(t, res.Allowed, "extending the budget re-opens it")
}

func TestAcknowledge_OnlyMutation(t *testing.T) {
	var hooked []domain.Violation
	e := New(domain.Contract{}, domain.TimeBudget{}, WithViolationHook(func(v domain.Violation) {
		hooked = append(hooked, v)
	}))
	v := e.Report(domain.Violation{Type: ViolationTaskTimeout, Message: "t1 timed out", TaskID: "t1"})
	require.Len(t, hooked, 1)
	assert.Len(t, e.Unacknowledged(), 1)

	require.NoError(t, e.Acknowledge(v.ID, "alice"))
	snap := e.Snapshot()
	require.Len(t, snap.Violations, 1, "violations are never deleted")
	assert.True(t, snap.Violations[0].Acknowledged)
	assert.Equal(t, "alice", snap.Violations[0].AcknowledgedBy)
	assert.Empty(t, e.Unacknowledged())

	assert.Error(t, e.Acknowledge("missing", "alice"))
}

func TestQualityScoreAndGate(t *testing.T) {
	e := New(domain.Contract{Quality: domain.QualityRequirements{
		MinScore:       0.75,
		RequiredChecks: []string{"lint", "a11y"},
	}}, domain.TimeBudget{})

	assert.InDelta(t, 0.0, e.QualityScore(), 1e-9)

	e.RecordQualityCheck("lint", true, "t1", "p1")
	e.RecordQualityCheck("perf", false, "t1", "p1")
	assert.InDelta(t, 1.0/3.0, e.QualityScore(), 1e-9)

	var qge *domain.QualityGateError
	require.ErrorAs(t, e.QualityGate("qa"), &qge)
	assert.Equal(t, []string{"a11y"}, qge.Missing)

	e.RecordQualityCheck("a11y", true, "t2", "p1")
	e.RecordQualityCheck("perf", true, "t2", "p1")
	assert.InDelta(t, 1.0, e.QualityScore(), 1e-9)
	assert.NoError(t, e.QualityGate("qa"))
}

func TestQualityBelow_WarnsOnce(t *testing.T) {
	e := New(domain.Contract{Quality: domain.QualityRequirements{MinScore: 0.8}}, domain.TimeBudget{})
	out := e.RecordQualityCheck("lint", false, "t1", "p1")
	assert.Equal(t, domain.ActionWarn, out.Action)
	out = e.RecordQualityCheck("tests", false, "t1", "p1")
	assert.Empty(t, out.Triggered)
}

func TestNew_ResumesFromPersistedUsage(t *testing.T) {
	e := New(domain.Contract{
		Scope: domain.Scope{MaxTokens: 1000},
		Usage: domain.ContractUsage{Tokens: 990, CostUSD: 0.5, ElapsedMs: 1000},
	}, domain.TimeBudget{})

	out := e.RecordUsage(Usage{Tokens: 20})
	assert.True(t, out.Halts())
	assert.Equal(t, int64(1010), e.Usage().Tokens)
	assert.InDelta(t, 0.5, e.Usage().CostUSD, 1e-9)
}
