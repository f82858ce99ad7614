package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/kafka"
	"github.com/ramiqadoumi/tbwo/pkg/telemetry"
)

// AnswerMessage is the JSON body expected on the answers topic.
type AnswerMessage struct {
	WorkOrderID string            `json:"work_order_id"`
	Answer      string            `json:"answer"`
	Fields      map[string]string `json:"fields,omitempty"`
	AnsweredBy  string            `json:"answered_by,omitempty"`
}

// ResumeFunc applies a human answer to a work order.
type ResumeFunc func(ctx context.Context, workOrderID string, answer domain.HumanAnswer) error

// AnswerHandler returns a Kafka handler that resumes work orders. Messages
// that can never apply (malformed, unknown work order, work order no longer
// waiting) are logged and committed; other failures are left uncommitted.
func AnswerHandler(resume ResumeFunc, logger *slog.Logger) kafka.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg kafka.Message) error {
		var in AnswerMessage
		if err := json.Unmarshal(msg.Value, &in); err != nil {
			telemetry.AnswersConsumed.WithLabelValues("malformed").Inc()
			logger.Warn("discarding malformed answer", slog.Int64("offset", msg.Offset), slog.String("error", err.Error()))
			return nil
		}
		if in.WorkOrderID == "" {
			in.WorkOrderID = string(msg.Key)
		}
		if in.WorkOrderID == "" || (strings.TrimSpace(in.Answer) == "" && len(in.Fields) == 0) {
			telemetry.AnswersConsumed.WithLabelValues("malformed").Inc()
			logger.Warn("discarding answer without work order or content", slog.Int64("offset", msg.Offset))
			return nil
		}

		err := resume(ctx, in.WorkOrderID, domain.HumanAnswer{
			Answer:     in.Answer,
			Fields:     in.Fields,
			AnsweredBy: in.AnsweredBy,
		})
		var notFound *domain.WorkOrderNotFoundError
		var invalid *domain.InvalidTransitionError
		var missing *domain.AnswerRequiredError
		switch {
		case err == nil:
			telemetry.AnswersConsumed.WithLabelValues("applied").Inc()
			logger.Info("answer applied", slog.String("work_order_id", in.WorkOrderID))
			return nil
		case errors.As(err, &notFound), errors.As(err, &invalid), errors.As(err, &missing):
			telemetry.AnswersConsumed.WithLabelValues("rejected").Inc()
			logger.Warn("answer rejected", slog.String("work_order_id", in.WorkOrderID), slog.String("error", err.Error()))
			return nil
		default:
			telemetry.AnswersConsumed.WithLabelValues("error").Inc()
			return fmt.Errorf("resume work order %s: %w", in.WorkOrderID, err)
		}
	}
}
