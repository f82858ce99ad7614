package tools_test

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tbwo/internal/tools"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCodeExecute_RunsInWorkspace(t *testing.T) {
	requireShell(t)
	ws := newWorkspace(t)

	out, err := tools.NewCodeExecute(ws, nil, 0).Run(context.Background(),
		json.RawMessage(`{"command":"sh","args":["-c","echo built > out.txt && cat out.txt && pwd"]}`))
	require.NoError(t, err)

	assert.Contains(t, out, "built")
	assert.Contains(t, out, filepath.Base(ws.Root()))
	data, err := os.ReadFile(filepath.Join(ws.Root(), "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "built\n", string(data))
}

func TestCodeExecute_StdinAndExitCode(t *testing.T) {
	requireShell(t)
	tool := tools.NewCodeExecute(newWorkspace(t), nil, 0)

	out, err := tool.Run(context.Background(), json.RawMessage(`{"command":"sh","stdin":"echo from-stdin"}`))
	require.NoError(t, err)
	assert.Equal(t, "from-stdin\n", out)

	_, err = tool.Run(context.Background(), json.RawMessage(`{"command":"sh","args":["-c","echo boom >&2; exit 3"]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 3")
	assert.Contains(t, err.Error(), "boom")
}

func TestCodeExecute_TimesOut(t *testing.T) {
	requireShell(t)
	tool := tools.NewCodeExecute(newWorkspace(t), nil, 200*time.Millisecond)

	start := time.Now()
	_, err := tool.Run(context.Background(), json.RawMessage(`{"command":"sh","args":["-c","sleep 5"]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestCodeExecute_CapsOutput(t *testing.T) {
	requireShell(t)
	tool := tools.NewCodeExecute(newWorkspace(t), nil, 0)

	out, err := tool.Run(context.Background(),
		json.RawMessage(`{"command":"sh","args":["-c","i=0; while [ $i -lt 20000 ]; do echo 0123456789; i=$((i+1)); done"]}`))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "[output truncated]"))
	assert.LessOrEqual(t, len(out), 64<<10+32)
}

func TestCodeExecute_Rejections(t *testing.T) {
	tool := tools.NewCodeExecute(newWorkspace(t), []string{"go"}, 0)
	ctx := context.Background()

	cases := map[string]string{
		`{"command":""}`:          "missing required field",
		`{"command":"sh"}`:        "not allowed",
		`{"command":"/bin/sh"}`:   "bare name",
		`{"command":"../bin/sh"}`: "bare name",
	}
	for input, want := range cases {
		_, err := tool.Run(ctx, json.RawMessage(input))
		require.Error(t, err, input)
		assert.Contains(t, err.Error(), want, input)
	}
	assert.Contains(t, tool.Spec().Description, "Allowed commands: go")
}
