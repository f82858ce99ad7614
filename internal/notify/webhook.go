package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

// WebhookConfig describes an HTTP endpoint that receives escalations.
type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

// WebhookPayload is the JSON body posted for each escalation. Text is a
// ready-made summary so chat incoming-webhooks can display it as is.
type WebhookPayload struct {
	WorkOrderID    string   `json:"work_order_id"`
	Question       string   `json:"question"`
	Reason         string   `json:"reason,omitempty"`
	RequiredFields []string `json:"required_fields,omitempty"`
	CanInfer       bool     `json:"can_infer_from_vague_answer"`
	PodID          string   `json:"pod_id,omitempty"`
	TaskID         string   `json:"task_id,omitempty"`
	Text           string   `json:"text"`
}

// Webhook posts escalations as JSON.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhook creates a Webhook notifier.
func NewWebhook(cfg WebhookConfig) *Webhook {
	return &Webhook{cfg: cfg, client: &http.Client{Timeout: 15 * time.Second}}
}

func (h *Webhook) Escalate(ctx context.Context, woID string, pause domain.PauseRequest) error {
	ctx, span := otel.Tracer("notify").Start(ctx, "notify.webhook")
	defer span.End()

	if h.cfg.URL == "" {
		err := errors.New("webhook notifier has no url")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing url")
		return err
	}
	span.SetAttributes(
		attribute.String("work_order.id", woID),
		attribute.String("webhook.url", h.cfg.URL),
	)

	body, err := json.Marshal(WebhookPayload{
		WorkOrderID:    woID,
		Question:       pause.Question,
		Reason:         pause.Reason,
		RequiredFields: pause.RequiredFields,
		CanInfer:       pause.CanInferFromVagueAnswer,
		PodID:          pause.PodID,
		TaskID:         pause.TaskID,
		Text:           fmt.Sprintf("Work order %s needs an answer: %s", woID, pause.Question),
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return fmt.Errorf("webhook call to %s: %w", h.cfg.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("webhook %s returned status %d", h.cfg.URL, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return err
	}
	return nil
}
