// Package notify tells humans that a work order is waiting for them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

// Notifier delivers escalations.
type Notifier interface {
	Escalate(ctx context.Context, woID string, pause domain.PauseRequest) error
}

// EmailConfig holds SMTP connection details.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	To       []string
	Username string
	Password string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends escalations via SMTP.
type Email struct {
	cfg  EmailConfig
	send sendFunc
}

// NewEmail creates an Email notifier from config.
func NewEmail(cfg EmailConfig) *Email {
	return &Email{cfg: cfg, send: smtp.SendMail}
}

func (e *Email) Escalate(ctx context.Context, woID string, pause domain.PauseRequest) error {
	ctx, span := otel.Tracer("notify").Start(ctx, "notify.email")
	defer span.End()

	if len(e.cfg.To) == 0 {
		err := errors.New("email notifier has no recipients")
		span.RecordError(err)
		span.SetStatus(codes.Error, "no recipients")
		return err
	}
	span.SetAttributes(
		attribute.String("work_order.id", woID),
		attribute.Int("email.recipients", len(e.cfg.To)),
	)

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	subject := fmt.Sprintf("[tbwo] work order %s needs your input", woID)
	msg := buildMIME(e.cfg.From, e.cfg.To, subject, escalationBody(woID, pause))

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	// smtp.SendMail has no context; run it aside so ctx cancellation returns.
	done := make(chan error, 1)
	go func() {
		done <- e.send(addr, auth, e.cfg.From, e.cfg.To, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "smtp send failed")
			return fmt.Errorf("smtp send for work order %s: %w", woID, err)
		}
		return nil
	case <-ctx.Done():
		err := fmt.Errorf("escalation email timed out: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return err
	}
}

func escalationBody(woID string, p domain.PauseRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work order %s is paused waiting for a human answer.\r\n\r\n", woID)
	fmt.Fprintf(&b, "Question: %s\r\n", p.Question)
	if p.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\r\n", p.Reason)
	}
	if len(p.RequiredFields) > 0 {
		fmt.Fprintf(&b, "Required fields: %s\r\n", strings.Join(p.RequiredFields, ", "))
	}
	if p.CanInferFromVagueAnswer {
		b.WriteString("A short or approximate answer is fine.\r\n")
	}
	if p.PodID != "" {
		fmt.Fprintf(&b, "Asked by pod %s on task %s.\r\n", p.PodID, p.TaskID)
	}
	fmt.Fprintf(&b, "\r\nAnswer with POST /api/v1/work-orders/%s/resume.\r\n", woID)
	return b.String()
}

func buildMIME(from string, to []string, subject, body string) []byte {
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, strings.Join(to, ", "), subject, body,
	)
	return []byte(msg)
}
