// Package memory is the client for the external recall/store memory service.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Entry is one remembered item.
type Entry struct {
	ID          string    `json:"id,omitempty"`
	Content     string    `json:"content"`
	Tags        []string  `json:"tags,omitempty"`
	WorkOrderID string    `json:"work_order_id,omitempty"`
	PodID       string    `json:"pod_id,omitempty"`
	Score       float64   `json:"score,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Client talks to the memory service.
type Client interface {
	// Recall returns up to limit entries relevant to query.
	Recall(ctx context.Context, query string, limit int) ([]Entry, error)
	// Store saves an entry and returns its ID.
	Store(ctx context.Context, e Entry) (string, error)
}

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

func WithAPIKey(key string) Option         { return func(c *HTTPClient) { c.apiKey = key } }
func WithHTTPClient(h *http.Client) Option { return func(c *HTTPClient) { c.client = h } }

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Recall handles POST {base}/recall.
func (c *HTTPClient) Recall(ctx context.Context, query string, limit int) ([]Entry, error) {
	ctx, span := otel.Tracer("memory").Start(ctx, "memory.recall")
	defer span.End()
	span.SetAttributes(attribute.Int("memory.limit", limit))

	var out struct {
		Entries []Entry `json:"entries"`
	}
	if err := c.post(ctx, "/recall", map[string]any{"query": query, "limit": limit}, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recall failed")
		return nil, err
	}
	return out.Entries, nil
}

// Store handles POST {base}/store.
func (c *HTTPClient) Store(ctx context.Context, e Entry) (string, error) {
	ctx, span := otel.Tracer("memory").Start(ctx, "memory.store")
	defer span.End()

	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/store", e, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal memory request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build memory request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("memory service %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("memory service %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode memory response: %w", err)
	}
	return nil
}
