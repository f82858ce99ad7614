// Package tools holds the tools a pod may call through the registry.
// Engine-intercepted tools (pause-and-ask, artifacts, messages, quality
// checks) are handled by the agent and never reach this package.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/memory"
)

// Tool runs one kind of tool call.
type Tool interface {
	Spec() domain.ToolSpec
	Run(ctx context.Context, input json.RawMessage) (string, error)
}

// Registry maps tool names to tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{tools: make(map[string]Tool), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a tool. Safe to call concurrently.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Spec().Name] = t
}

// Get returns the tool registered under name.
// Returns UnknownToolError if not registered.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, &domain.UnknownToolError{Name: name}
	}
	return t, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Specs returns the specs of the registered tools named in allowed, in that
// order. Unregistered names are skipped.
func (r *Registry) Specs(allowed []string) []domain.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var specs []domain.ToolSpec
	for _, n := range allowed {
		if t, ok := r.tools[n]; ok {
			specs = append(specs, t.Spec())
		}
	}
	return specs
}

// Execute runs call and folds any error into a failed ToolResult.
func (r *Registry) Execute(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	ctx, span := otel.Tracer("tools").Start(ctx, "tool."+call.Name)
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", call.Name))

	t, err := r.Get(call.Name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown tool")
		return domain.ToolFail(err)
	}
	out, err := t.Run(ctx, call.Input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
		r.logger.Debug("tool call failed", slog.String("tool", call.Name), slog.String("error", err.Error()))
		return domain.ToolFail(err)
	}
	return domain.ToolOK(out)
}

func decode[T any](name string, input json.RawMessage) (T, error) {
	var v T
	if len(input) == 0 {
		return v, fmt.Errorf("%s: empty input", name)
	}
	if err := json.Unmarshal(input, &v); err != nil {
		return v, fmt.Errorf("invalid %s input: %w", name, err)
	}
	return v, nil
}

func schema(s string) json.RawMessage { return json.RawMessage(s) }

// StandardConfig selects the optional collaborators behind Standard.
type StandardConfig struct {
	SearchEndpoint string
	Memory         memory.Client
	ExecAllow      []string // commands code_execute may start; empty allows any
	ExecTimeout    time.Duration
}

// Standard registers the file tools, http_request and code_execute, plus
// web_search and the memory tools when their collaborators are configured.
func Standard(ws *Workspace, sc StandardConfig, opts ...Option) *Registry {
	r := NewRegistry(opts...)
	r.Register(NewFileRead(ws))
	r.Register(NewFileWrite(ws))
	r.Register(NewHTTPRequest())
	r.Register(NewCodeExecute(ws, sc.ExecAllow, sc.ExecTimeout))
	if sc.SearchEndpoint != "" {
		r.Register(NewWebSearch(sc.SearchEndpoint))
	}
	if sc.Memory != nil {
		r.Register(NewMemoryRecall(sc.Memory))
		r.Register(NewMemoryStore(sc.Memory))
	}
	return r
}
