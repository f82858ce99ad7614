// Package llm calls backing models over OpenAI-compatible chat completion
// endpoints.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/pkg/telemetry"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []domain.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// Request is a completion request against one model.
type Request struct {
	Model     string
	Messages  []Message
	Tools     []domain.ToolSpec
	MaxTokens int
}

// Response is the model's reply. A reply with no tool calls is final.
type Response struct {
	Model        string
	Content      string
	ToolCalls    []domain.ToolCall
	InputTokens  int64
	OutputTokens int64
}

// Tokens returns input plus output tokens.
func (r Response) Tokens() int64 { return r.InputTokens + r.OutputTokens }

// Client completes requests against a named provider.
type Client interface {
	Complete(ctx context.Context, provider string, req Request) (Response, error)
}

// Provider is an OpenAI-compatible endpoint.
type Provider struct {
	Name    string `mapstructure:"name" yaml:"name"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
}

// Limiter throttles calls per provider and model.
type Limiter interface {
	Allow(ctx context.Context, provider, model string) (bool, error)
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	providers map[string]Provider
	http      *http.Client
	limiter   Limiter
	logger    *slog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

func WithLogger(l *slog.Logger) Option     { return func(c *HTTPClient) { c.logger = l } }
func WithLimiter(l Limiter) Option         { return func(c *HTTPClient) { c.limiter = l } }
func WithHTTPClient(h *http.Client) Option { return func(c *HTTPClient) { c.http = h } }

// NewHTTPClient creates a client for the given providers.
func NewHTTPClient(providers []Provider, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		providers: make(map[string]Provider, len(providers)),
		http:      &http.Client{Timeout: 5 * time.Minute},
		logger:    slog.Default(),
	}
	for _, p := range providers {
		c.providers[p.Name] = p
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string          `json:"type"`
	Function domain.ToolSpec `json:"function"`
}

type wireRequest struct {
	Model     string        `json:"model"`
	Messages  []wireMessage `json:"messages"`
	Tools     []wireTool    `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete posts to {base}/v1/chat/completions. Non-2xx replies, local rate
// limiting and transport failures are returned as *domain.ModelError.
func (c *HTTPClient) Complete(ctx context.Context, provider string, req Request) (Response, error) {
	ctx, span := otel.Tracer("llm").Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", req.Model),
	)

	fail := func(status int, msg string) (Response, error) {
		err := &domain.ModelError{Provider: provider, Model: req.Model, StatusCode: status, Message: msg}
		span.RecordError(err)
		span.SetStatus(codes.Error, "model call failed")
		return Response{}, err
	}

	p, ok := c.providers[provider]
	if !ok {
		return fail(http.StatusBadRequest, "unknown provider")
	}
	if c.limiter != nil {
		allowed, err := c.limiter.Allow(ctx, provider, req.Model)
		if err != nil {
			c.logger.Warn("rate limiter unavailable",
				slog.String("provider", provider),
				slog.String("model", req.Model),
				slog.String("error", err.Error()),
			)
		} else if !allowed {
			telemetry.RateLimitedTotal.WithLabelValues(provider).Inc()
			return fail(http.StatusTooManyRequests, "rate limited locally")
		}
	}

	body, err := json.Marshal(toWire(req))
	if err != nil {
		return Response{}, fmt.Errorf("marshal completion request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return fail(http.StatusBadGateway, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fail(http.StatusBadGateway, "read body: "+err.Error())
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	var out wireResponse
	decodeErr := json.Unmarshal(data, &out)
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg := strings.TrimSpace(string(data))
		if decodeErr == nil && out.Error != nil {
			msg = out.Error.Message
		}
		return fail(resp.StatusCode, truncate(msg, 300))
	}
	if decodeErr != nil {
		return fail(http.StatusBadGateway, "decode body: "+decodeErr.Error())
	}
	if len(out.Choices) == 0 {
		return fail(http.StatusBadGateway, "empty choices")
	}

	msg := out.Choices[0].Message
	r := Response{
		Model:        req.Model,
		Content:      msg.Content,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}
	for _, tc := range msg.ToolCalls {
		args := tc.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		r.ToolCalls = append(r.ToolCalls, domain.ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: json.RawMessage(args)})
	}
	span.SetAttributes(
		attribute.Int64("llm.input_tokens", r.InputTokens),
		attribute.Int64("llm.output_tokens", r.OutputTokens),
		attribute.Int("llm.tool_calls", len(r.ToolCalls)),
	)
	return r, nil
}

func toWire(req Request) wireRequest {
	w := wireRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.ID, wtc.Type = tc.ID, "function"
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Input)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		w.Messages = append(w.Messages, wm)
	}
	for _, t := range req.Tools {
		w.Tools = append(w.Tools, wireTool{Type: "function", Function: t})
	}
	return w
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
