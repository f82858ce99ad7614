package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

const maxResponseBytes = 64 << 10

// HTTPRequest makes an outbound HTTP call and returns the status and body.
type HTTPRequest struct {
	client *http.Client
}

// NewHTTPRequest creates an HTTPRequest tool.
func NewHTTPRequest() *HTTPRequest {
	return &HTTPRequest{client: &http.Client{Timeout: 15 * time.Second}}
}

func (t *HTTPRequest) Spec() domain.ToolSpec {
	return domain.ToolSpec{
		Name:        domain.ToolHTTPRequest,
		Description: "Make an HTTP request and return the status line and response body.",
		Parameters: schema(`{"type":"object","properties":{` +
			`"url":{"type":"string"},"method":{"type":"string"},` +
			`"headers":{"type":"object","additionalProperties":{"type":"string"}},` +
			`"body":{"type":"string"}},"required":["url"]}`),
	}
}

func (t *HTTPRequest) Run(ctx context.Context, input json.RawMessage) (string, error) {
	in, err := decode[domain.HTTPRequestInput](domain.ToolHTTPRequest, input)
	if err != nil {
		return "", err
	}
	if in.URL == "" {
		return "", errors.New("http_request input missing required field 'url'")
	}
	if u, err := url.Parse(in.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("http_request: unsupported url %q", in.URL)
	}
	if in.Method == "" {
		in.Method = http.MethodGet
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("http.url", in.URL),
		attribute.String("http.method", in.Method),
	)

	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(in.Method), in.URL, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request to %s: %w", in.URL, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("%s returned status %d: %s", in.URL, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return fmt.Sprintf("status %d\n%s", resp.StatusCode, data), nil
}
