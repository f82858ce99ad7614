package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Broadcast addresses every live pod of a work order except the sender.
const Broadcast = "*"

// MessageType tags the payload carried by a BusMessage.
type MessageType string

const (
	MsgArtifactReady        MessageType = "artifact_ready"
	MsgQuestion             MessageType = "question"
	MsgResult               MessageType = "result"
	MsgError                MessageType = "error"
	MsgStatusUpdate         MessageType = "status_update"
	MsgClarificationRequest MessageType = "clarification_request"
)

// MessagePayload is implemented by exactly one struct per MessageType.
type MessagePayload interface {
	MessageType() MessageType
}

// ArtifactReady announces a newly written artifact.
type ArtifactReady struct {
	ArtifactID string `json:"artifact_id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	Version    int    `json:"version"`
}

// Question asks another pod something.
type Question struct {
	Text string `json:"text"`
}

// Result shares a finished piece of work.
type Result struct {
	TaskID  string `json:"task_id,omitempty"`
	Summary string `json:"summary"`
}

// ErrorNotice reports a failure to peers.
type ErrorNotice struct {
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message"`
}

// StatusUpdate reports progress.
type StatusUpdate struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ClarificationRequest asks a peer to clarify an earlier output.
type ClarificationRequest struct {
	About string `json:"about"`
	Text  string `json:"text"`
}

func (ArtifactReady) MessageType() MessageType        { return MsgArtifactReady }
func (Question) MessageType() MessageType             { return MsgQuestion }
func (Result) MessageType() MessageType               { return MsgResult }
func (ErrorNotice) MessageType() MessageType          { return MsgError }
func (StatusUpdate) MessageType() MessageType         { return MsgStatusUpdate }
func (ClarificationRequest) MessageType() MessageType { return MsgClarificationRequest }

// NewPayload returns an empty payload for t, or an error for unknown tags.
func NewPayload(t MessageType) (MessagePayload, error) {
	switch t {
	case MsgArtifactReady:
		return &ArtifactReady{}, nil
	case MsgQuestion:
		return &Question{}, nil
	case MsgResult:
		return &Result{}, nil
	case MsgError:
		return &ErrorNotice{}, nil
	case MsgStatusUpdate:
		return &StatusUpdate{}, nil
	case MsgClarificationRequest:
		return &ClarificationRequest{}, nil
	}
	return nil, fmt.Errorf("unknown message type %q", t)
}

// BusMessage is an inter-pod notice.
type BusMessage struct {
	ID      string
	From    string
	To      string
	Payload MessagePayload
	SentAt  time.Time
}

// Type returns the payload tag.
func (m BusMessage) Type() MessageType {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.MessageType()
}

type busEnvelope struct {
	ID      string          `json:"id"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

func (m BusMessage) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.Type(), err)
	}
	return json.Marshal(busEnvelope{ID: m.ID, From: m.From, To: m.To, Type: m.Type(), Payload: raw, SentAt: m.SentAt})
}

func (m *BusMessage) UnmarshalJSON(data []byte) error {
	var env busEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p, err := NewPayload(env.Type)
	if err != nil {
		return err
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, p); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	*m = BusMessage{ID: env.ID, From: env.From, To: env.To, Payload: deref(p), SentAt: env.SentAt}
	return nil
}

// deref stores payloads by value so type switches see one form.
func deref(p MessagePayload) MessagePayload {
	switch v := p.(type) {
	case *ArtifactReady:
		return *v
	case *Question:
		return *v
	case *Result:
		return *v
	case *ErrorNotice:
		return *v
	case *StatusUpdate:
		return *v
	case *ClarificationRequest:
		return *v
	}
	return p
}

// Summary renders the payload as one line for prompts.
func (m BusMessage) Summary() string {
	switch p := m.Payload.(type) {
	case ArtifactReady:
		return fmt.Sprintf("artifact ready: %s (v%d)", p.Path, p.Version)
	case Question:
		return "question: " + p.Text
	case Result:
		return "result: " + p.Summary
	case ErrorNotice:
		return "error: " + p.Message
	case StatusUpdate:
		if p.Detail != "" {
			return fmt.Sprintf("status: %s (%s)", p.Status, p.Detail)
		}
		return "status: " + p.Status
	case ClarificationRequest:
		return fmt.Sprintf("clarification about %s: %s", p.About, p.Text)
	}
	return string(m.Type())
}
