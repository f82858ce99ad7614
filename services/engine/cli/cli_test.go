package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/services/engine/config"
)

func TestWriteConfig_RefusesOverwriteWithoutForce(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "engine.yaml")

	require.NoError(t, writeConfig(dest, "a: 1\n", false))
	err := writeConfig(dest, "a: 2\n", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	require.NoError(t, writeConfig(dest, "a: 2\n", true))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "a: 2\n", string(got))
}

func TestDefaultEngineYAML_Loads(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(defaultEngineYAML)))

	cfg := config.Load(v)
	assert.Equal(t, config.StoreSQLite, cfg.Store)
	assert.Equal(t, 2*time.Minute, cfg.StaleAfter)
	assert.Equal(t, time.Minute, cfg.MinTaskTimeout)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "openai", cfg.Providers[0].Name)
	assert.Empty(t, cfg.Brokers())
}

func TestStored_DerivesProgressFromPlan(t *testing.T) {
	wo := &domain.WorkOrder{
		ID:         "wo-1",
		Status:     domain.StatusPaused,
		TimeBudget: domain.TimeBudget{TotalMinutes: 60, ElapsedMinutes: 15},
		Plan: &domain.Plan{Phases: []*domain.Phase{{
			ID: "p1",
			Tasks: []*domain.Task{
				{ID: "t1", Status: domain.TaskComplete},
				{ID: "t2", Status: domain.TaskSkipped},
				{ID: "t3", Status: domain.TaskPending},
				{ID: "t4", Status: domain.TaskFailed},
			},
		}}},
		PendingPause: &domain.PauseRequest{Question: "Which region?"},
	}

	st := stored(wo)
	assert.Equal(t, "wo-1", st.WorkOrderID)
	assert.InDelta(t, 0.5, st.Progress, 1e-9)
	assert.Equal(t, 1, st.TasksRemaining, "failed tasks are terminal")
	assert.Equal(t, 15.0, st.ElapsedMinutes)
	assert.Equal(t, "Which region?", st.PendingQuestion)
}

func TestRenderStatus(t *testing.T) {
	wos := []*domain.WorkOrder{{ID: "wo-1", Objective: strings.Repeat("x", 60)}}
	rows := []domain.LiveStatus{{WorkOrderID: "wo-1", Status: domain.StatusExecuting, Progress: 0.25, TotalMinutes: 30}}

	var buf bytes.Buffer
	renderStatus(&buf, wos, rows)

	out := buf.String()
	assert.Contains(t, out, "wo-1")
	assert.Contains(t, out, "25%")
	assert.Contains(t, out, "…")
	assert.NotContains(t, out, strings.Repeat("x", 41))
}
