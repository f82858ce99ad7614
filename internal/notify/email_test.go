package notify

import (
	"context"
	"errors"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

func testPause() domain.PauseRequest {
	return domain.PauseRequest{
		PodID:          "pod-design-1",
		TaskID:         "t1",
		Reason:         "brand colours unknown",
		Question:       "What are the brand colours?",
		RequiredFields: []string{"primary", "secondary"},
	}
}

func TestEmail_Escalate_SendsMessage(t *testing.T) {
	var gotAddr string
	var gotTo []string
	var gotMsg string
	e := NewEmail(EmailConfig{Host: "mail.local", Port: 1025, From: "tbwo@local", To: []string{"ops@local"}})
	e.send = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	require.NoError(t, e.Escalate(context.Background(), "wo-1", testPause()))

	assert.Equal(t, "mail.local:1025", gotAddr)
	assert.Equal(t, []string{"ops@local"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: [tbwo] work order wo-1 needs your input")
	assert.Contains(t, gotMsg, "What are the brand colours?")
	assert.Contains(t, gotMsg, "Required fields: primary, secondary")
	assert.Contains(t, gotMsg, "/api/v1/work-orders/wo-1/resume")
}

func TestEmail_Escalate_NoRecipients(t *testing.T) {
	e := NewEmail(EmailConfig{Host: "localhost", Port: 1025})
	err := e.Escalate(context.Background(), "wo-1", testPause())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recipients")
}

func TestEmail_Escalate_SendError(t *testing.T) {
	e := NewEmail(EmailConfig{Host: "localhost", Port: 1025, To: []string{"x@y"}})
	e.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }

	err := e.Escalate(context.Background(), "wo-1", testPause())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestEmail_Escalate_CancelledContext(t *testing.T) {
	e := NewEmail(EmailConfig{Host: "localhost", Port: 1025, To: []string{"x@y"}})
	e.send = func(string, smtp.Auth, string, []string, []byte) error {
		time.Sleep(time.Second)
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Escalate(ctx, "wo-1", testPause())
	require.Error(t, err, "cancelled context should result in an error")
}
