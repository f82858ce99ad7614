package pool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

var errTask = errors.New("model returned nothing")

func TestAcquire_SpawnsThenReusesBoundPod(t *testing.T) {
	p := New()

	first, err := p.Acquire("wo-1", domain.RoleDesign, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.PodIdle, first.Status)
	assert.Equal(t, "wo-1", first.WorkOrderID)

	second, err := p.Acquire("wo-1", domain.RoleDesign, 0)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "an idle pod bound to the work order should be reused")
}

func TestAcquire_ReusesReleasedPodAcrossWorkOrders(t *testing.T) {
	p := New()
	pod, err := p.Acquire("wo-1", domain.RoleBackend, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, p.Release("wo-1"))

	again, err := p.Acquire("wo-2", domain.RoleBackend, 0)
	require.NoError(t, err)
	assert.Equal(t, pod.ID, again.ID)
	assert.Equal(t, "wo-2", again.WorkOrderID)
}

func TestAcquire_RespectsPerWorkOrderLimit(t *testing.T) {
	p := New()
	a, err := p.Acquire("wo-1", domain.RoleFrontend, 2)
	require.NoError(t, err)
	require.NoError(t, p.Start(a.ID, "t1"))

	b, err := p.Acquire("wo-1", domain.RoleBackend, 2)
	require.NoError(t, err)
	require.NoError(t, p.Start(b.ID, "t2"))

	_, err = p.Acquire("wo-1", domain.RoleQA, 2)
	var pue *domain.PodUnavailableError
	require.ErrorAs(t, err, &pue)
	assert.Equal(t, domain.RoleQA, pue.Role)
}

func TestAcquire_RespectsCapacity(t *testing.T) {
	p := New(WithCapacity(1))
	_, err := p.Acquire("wo-1", domain.RoleDesign, 0)
	require.NoError(t, err)

	_, err = p.Acquire("wo-2", domain.RoleDesign, 0)
	var pue *domain.PodUnavailableError
	assert.ErrorAs(t, err, &pue)
}

func TestFinish_DegradesAfterThreshold(t *testing.T) {
	p := New(WithFailureThreshold(3))
	pod, err := p.Acquire("wo-1", domain.RoleCopy, 0)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, p.Start(pod.ID, "t"))
		require.NoError(t, p.Finish(pod.ID, errTask))
	}
	got, _ := p.Get(pod.ID)
	assert.Equal(t, domain.HealthHealthy, got.Health.Status)
	assert.Equal(t, domain.PodIdle, got.Status)
	assert.Equal(t, 2, got.Health.ConsecutiveFailures)

	require.NoError(t, p.Start(pod.ID, "t"))
	require.NoError(t, p.Finish(pod.ID, errTask))
	got, _ = p.Get(pod.ID)
	assert.Equal(t, domain.HealthDegraded, got.Health.Status)
	assert.Equal(t, domain.PodFailed, got.Status)

	next, err := p.Acquire("wo-1", domain.RoleCopy, 0)
	require.NoError(t, err)
	assert.NotEqual(t, pod.ID, next.ID, "a degraded pod must never be handed out")

	require.NoError(t, p.Reset(pod.ID))
	got, _ = p.Get(pod.ID)
	assert.Equal(t, domain.HealthHealthy, got.Health.Status)
	assert.Zero(t, got.Health.ConsecutiveFailures)
	assert.Equal(t, domain.PodIdle, got.Status)
}

func TestFinish_SuccessClearsFailures(t *testing.T) {
	p := New()
	pod, _ := p.Acquire("wo-1", domain.RoleData, 0)
	require.NoError(t, p.Start(pod.ID, "t1"))
	require.NoError(t, p.Finish(pod.ID, errTask))
	require.NoError(t, p.Start(pod.ID, "t2"))
	require.NoError(t, p.Finish(pod.ID, nil))

	got, _ := p.Get(pod.ID)
	assert.Zero(t, got.Health.ConsecutiveFailures)
	assert.Equal(t, domain.PodIdle, got.Status)
}

func TestRelease_WorkingPodUnbindsWhenTaskFinishes(t *testing.T) {
	p := New()
	pod, _ := p.Acquire("wo-1", domain.RoleResearch, 0)
	require.NoError(t, p.Start(pod.ID, "t1"))

	assert.Zero(t, p.Release("wo-1"))
	got, _ := p.Get(pod.ID)
	assert.Equal(t, "wo-1", got.WorkOrderID, "in-flight pod stays bound until its call returns")

	require.NoError(t, p.Finish(pod.ID, nil))
	got, _ = p.Get(pod.ID)
	assert.Empty(t, got.WorkOrderID)
	assert.Equal(t, domain.PodIdle, got.Status)
}

func TestRelease_ParkedPodsReturnToIdle(t *testing.T) {
	p := New()
	pod, _ := p.Acquire("wo-1", domain.RoleQA, 0)
	require.NoError(t, p.Start(pod.ID, "t1"))
	require.NoError(t, p.Wait(pod.ID))

	assert.Equal(t, 1, p.Release("wo-1"))
	got, _ := p.Get(pod.ID)
	assert.Equal(t, domain.PodIdle, got.Status)
	assert.Empty(t, got.WorkOrderID)
}

func TestTransitions_Invalid(t *testing.T) {
	p := New()
	pod, _ := p.Acquire("wo-1", domain.RoleMotion, 0)

	err := p.Finish(pod.ID, nil)
	var ipt *domain.InvalidPodTransitionError
	require.ErrorAs(t, err, &ipt)
	assert.Equal(t, domain.PodIdle, ipt.From)

	require.NoError(t, p.Start(pod.ID, "t1"))
	assert.Error(t, p.Terminate(pod.ID), "working pods cannot be terminated")
}

func TestTerminate_RemovesFromMembers(t *testing.T) {
	p := New()
	a, _ := p.Acquire("wo-1", domain.RoleDesign, 0)
	b, _ := p.Acquire("wo-1", domain.RoleBackend, 0)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, p.Members("wo-1"))

	require.NoError(t, p.Terminate(a.ID))
	assert.Equal(t, []string{b.ID}, p.Members("wo-1"))
	assert.False(t, p.IsActive(a.ID))
	assert.True(t, p.IsActive(b.ID))
}

func TestRecordUsage(t *testing.T) {
	p := New(WithRoleTools(map[domain.Role][]string{domain.RoleBackend: {domain.ToolFileWrite}}))
	pod, _ := p.Acquire("wo-1", domain.RoleBackend, 0)
	assert.Equal(t, []string{domain.ToolFileWrite}, pod.Tools)

	p.RecordUsage(pod.ID, 120, 2, time.Second, domain.ModelConfig{Provider: "openai", Model: "mid"})
	p.RecordUsage(pod.ID, 30, 1, time.Second, domain.ModelConfig{})

	got, _ := p.Get(pod.ID)
	assert.Equal(t, int64(150), got.Usage.Tokens)
	assert.Equal(t, int64(3), got.Usage.APICalls)
	assert.Equal(t, 2*time.Second, got.Usage.WallClock)
	assert.Equal(t, "mid", got.Model.Model)
}

func TestAcquire_AtLimitHandsBackIdlePodOfAnotherRole(t *testing.T) {
	p := New()
	design, err := p.Acquire("wo-1", domain.RoleDesign, 1)
	require.NoError(t, err)

	qa, err := p.Acquire("wo-1", domain.RoleQA, 1)
	require.NoError(t, err)
	assert.NotEqual(t, design.ID, qa.ID)

	got, ok := p.Get(design.ID)
	require.True(t, ok)
	assert.Empty(t, got.WorkOrderID, "the idle design pod makes room for the qa pod")
	assert.Equal(t, []string{qa.ID}, p.Members("wo-1"))
}

func TestAbort_ReturnsToIdleWithoutCountingFailure(t *testing.T) {
	p := New(WithFailureThreshold(2))
	pod, err := p.Acquire("wo-1", domain.RoleCopy, 0)
	require.NoError(t, err)
	require.NoError(t, p.Start(pod.ID, "t1"))
	require.NoError(t, p.Finish(pod.ID, errTask))

	require.NoError(t, p.Start(pod.ID, "t2"))
	require.NoError(t, p.Wait(pod.ID))
	p.Release("wo-1")
	require.NoError(t, p.Abort(pod.ID))

	got, _ := p.Get(pod.ID)
	assert.Equal(t, domain.PodIdle, got.Status)
	assert.Equal(t, 1, got.Health.ConsecutiveFailures)
	assert.Equal(t, domain.HealthHealthy, got.Health.Status)
	assert.Empty(t, got.WorkOrderID)
}
