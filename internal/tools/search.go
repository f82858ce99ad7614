package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

const defaultSearchLimit = 5

// WebSearch queries a JSON search endpoint that answers
// GET {base}?q=...&format=json with {"results":[{"title","url","content"}]}.
type WebSearch struct {
	endpoint string
	client   *http.Client
}

// NewWebSearch creates a WebSearch tool for endpoint.
func NewWebSearch(endpoint string) *WebSearch {
	return &WebSearch{endpoint: endpoint, client: &http.Client{Timeout: 15 * time.Second}}
}

func (t *WebSearch) Spec() domain.ToolSpec {
	return domain.ToolSpec{
		Name:        domain.ToolWebSearch,
		Description: "Search the web and return the top results as title, URL and snippet.",
		Parameters:  schema(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"}},"required":["query"]}`),
	}
}

func (t *WebSearch) Run(ctx context.Context, input json.RawMessage) (string, error) {
	in, err := decode[domain.WebSearchInput](domain.ToolWebSearch, input)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", errors.New("web_search input missing required field 'query'")
	}
	if in.Limit <= 0 {
		in.Limit = defaultSearchLimit
	}

	q := url.Values{"q": {in.Query}, "format": {"json"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build search request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var out struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode search results: %w", err)
	}
	if len(out.Results) == 0 {
		return "no results", nil
	}

	var b strings.Builder
	for i, r := range out.Results {
		if i == in.Limit {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, strings.TrimSpace(r.Content))
	}
	return b.String(), nil
}
