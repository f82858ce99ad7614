package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

const (
	// DefaultExecTimeout bounds one code_execute call when none is configured.
	DefaultExecTimeout = 30 * time.Second
	maxExecOutput      = 64 << 10
)

// CodeExecute runs a command inside the workspace. The process starts in the
// workspace root with a minimal environment, is killed when its timeout
// expires, and has its combined output capped.
type CodeExecute struct {
	ws      *Workspace
	allowed []string
	timeout time.Duration
}

// NewCodeExecute creates a CodeExecute tool. An empty allowed list lets any
// command on PATH run; timeout <= 0 uses DefaultExecTimeout.
func NewCodeExecute(ws *Workspace, allowed []string, timeout time.Duration) *CodeExecute {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return &CodeExecute{ws: ws, allowed: allowed, timeout: timeout}
}

func (t *CodeExecute) Spec() domain.ToolSpec {
	desc := "Run a command in the shared workspace and return its combined output."
	if len(t.allowed) > 0 {
		desc += " Allowed commands: " + strings.Join(t.allowed, ", ") + "."
	}
	return domain.ToolSpec{
		Name:        domain.ToolCodeExecute,
		Description: desc,
		Parameters: schema(`{"type":"object","properties":{` +
			`"command":{"type":"string"},"args":{"type":"array","items":{"type":"string"}},` +
			`"stdin":{"type":"string"},"timeout_seconds":{"type":"integer"}},"required":["command"]}`),
	}
}

func (t *CodeExecute) Run(ctx context.Context, input json.RawMessage) (string, error) {
	in, err := decode[domain.CodeExecuteInput](domain.ToolCodeExecute, input)
	if err != nil {
		return "", err
	}
	if in.Command == "" {
		return "", errors.New("code_execute input missing required field 'command'")
	}
	if strings.ContainsRune(in.Command, filepath.Separator) {
		return "", fmt.Errorf("code_execute: command %q must be a bare name", in.Command)
	}
	if len(t.allowed) > 0 && !slices.Contains(t.allowed, in.Command) {
		return "", fmt.Errorf("code_execute: command %q is not allowed", in.Command)
	}

	timeout := t.timeout
	if d := time.Duration(in.TimeoutSeconds) * time.Second; d > 0 && d < timeout {
		timeout = d
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("exec.command", in.Command),
		attribute.Int("exec.args", len(in.Args)),
	)

	out := &cappedBuffer{max: maxExecOutput}
	cmd := exec.CommandContext(ctx, in.Command, in.Args...)
	cmd.Dir = t.ws.Root()
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + t.ws.Root(),
		"TMPDIR=" + os.TempDir(),
	}
	cmd.Stdin = strings.NewReader(in.Stdin)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	err = cmd.Run()
	text := out.String()
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "", fmt.Errorf("code_execute: %s timed out after %s\n%s", in.Command, timeout, text)
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("code_execute: %s exited with code %d\n%s", in.Command, exitErr.ExitCode(), text)
		}
		return "", fmt.Errorf("code_execute: %w", err)
	}
	return text, nil
}

// cappedBuffer keeps the first max bytes written and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	switch {
	case room <= 0:
		c.truncated = c.truncated || len(p) > 0
	case len(p) > room:
		c.buf.Write(p[:room])
		c.truncated = true
	default:
		c.buf.Write(p)
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "\n[output truncated]"
	}
	return c.buf.String()
}
