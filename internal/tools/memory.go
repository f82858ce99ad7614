package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/memory"
)

// MemoryRecall exposes memory.Client.Recall as a tool.
type MemoryRecall struct{ client memory.Client }

func NewMemoryRecall(c memory.Client) *MemoryRecall { return &MemoryRecall{client: c} }

func (t *MemoryRecall) Spec() domain.ToolSpec {
	return domain.ToolSpec{
		Name:        domain.ToolMemoryRecall,
		Description: "Recall facts remembered from earlier work.",
		Parameters:  schema(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"}},"required":["query"]}`),
	}
}

func (t *MemoryRecall) Run(ctx context.Context, input json.RawMessage) (string, error) {
	in, err := decode[domain.MemoryRecallInput](domain.ToolMemoryRecall, input)
	if err != nil {
		return "", err
	}
	if in.Limit <= 0 {
		in.Limit = 5
	}
	entries, err := t.client.Recall(ctx, in.Query, in.Limit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "nothing remembered", nil
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s", e.Content)
		if len(e.Tags) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(e.Tags, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// MemoryStore exposes memory.Client.Store as a tool.
type MemoryStore struct{ client memory.Client }

func NewMemoryStore(c memory.Client) *MemoryStore { return &MemoryStore{client: c} }

func (t *MemoryStore) Spec() domain.ToolSpec {
	return domain.ToolSpec{
		Name:        domain.ToolMemoryStore,
		Description: "Remember a fact for later work.",
		Parameters:  schema(`{"type":"object","properties":{"content":{"type":"string"},"tags":{"type":"array","items":{"type":"string"}}},"required":["content"]}`),
	}
}

func (t *MemoryStore) Run(ctx context.Context, input json.RawMessage) (string, error) {
	in, err := decode[domain.MemoryStoreInput](domain.ToolMemoryStore, input)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Content) == "" {
		return "", errors.New("memory_store input missing required field 'content'")
	}
	id, err := t.client.Store(ctx, memory.Entry{Content: in.Content, Tags: in.Tags})
	if err != nil {
		return "", err
	}
	return "stored as " + id, nil
}
