package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhook_Escalate_PostsPayload(t *testing.T) {
	var got WebhookPayload
	var auth, contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		auth = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := NewWebhook(WebhookConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer hook"}})
	require.NoError(t, h.Escalate(context.Background(), "wo-1", testPause()))

	assert.Equal(t, "Bearer hook", auth)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "wo-1", got.WorkOrderID)
	assert.Equal(t, "What are the brand colours?", got.Question)
	assert.Equal(t, []string{"primary", "secondary"}, got.RequiredFields)
	assert.Equal(t, "pod-design-1", got.PodID)
	assert.Contains(t, got.Text, "wo-1")
}

func TestWebhook_Escalate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhook(WebhookConfig{URL: srv.URL}).Escalate(context.Background(), "wo-1", testPause())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestWebhook_Escalate_MissingURL(t *testing.T) {
	err := NewWebhook(WebhookConfig{}).Escalate(context.Background(), "wo-1", testPause())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}
