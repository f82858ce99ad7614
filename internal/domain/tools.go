package domain

import (
	"encoding/json"
	"fmt"
)

// Tool names understood by the engine. The first group runs through the
// tool registry; the second is intercepted by the pod task loop.
const (
	ToolFileRead     = "file_read"
	ToolFileWrite    = "file_write"
	ToolWebSearch    = "web_search"
	ToolHTTPRequest  = "http_request"
	ToolMemoryRecall = "memory_recall"
	ToolMemoryStore  = "memory_store"
	ToolCodeExecute  = "code_execute"

	ToolPauseAndAsk        = "request_pause_and_ask"
	ToolWriteArtifact      = "write_artifact"
	ToolFetchArtifact      = "fetch_artifact"
	ToolSendMessage        = "send_message"
	ToolReportQualityCheck = "report_quality_check"
)

// ToolCall is a model's request to run a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolSpec describes a tool to a backing model. Parameters is a JSON
// schema object.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolResult is the outcome of a tool call.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolOK builds a successful result.
func ToolOK(output string) ToolResult { return ToolResult{Success: true, Output: output} }

// ToolFail builds a failed result from err.
func ToolFail(err error) ToolResult { return ToolResult{Error: err.Error()} }

type FileReadInput struct {
	Path string `json:"path"`
}

type FileWriteInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type WebSearchInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type HTTPRequestInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type MemoryRecallInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type MemoryStoreInput struct {
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

type CodeExecuteInput struct {
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	Stdin          string   `json:"stdin,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

type PauseAndAskInput struct {
	Reason                  string   `json:"reason"`
	Question                string   `json:"question"`
	RequiredFields          []string `json:"required_fields,omitempty"`
	CanInferFromVagueAnswer bool     `json:"can_infer_from_vague_answer"`
}

type WriteArtifactInput struct {
	Name    string       `json:"name"`
	Path    string       `json:"path"`
	Type    ArtifactType `json:"type,omitempty"`
	Content string       `json:"content"`
}

type FetchArtifactInput struct {
	Path string `json:"path,omitempty"`
	ID   string `json:"id,omitempty"`
}

type SendMessageInput struct {
	To     string      `json:"to"`
	Type   MessageType `json:"type"`
	Text   string      `json:"text"`
	About  string      `json:"about,omitempty"`
	TaskID string      `json:"task_id,omitempty"`
	Status string      `json:"status,omitempty"`
}

// Payload converts the input into the typed bus payload for its Type.
func (in SendMessageInput) Payload() (MessagePayload, error) {
	switch in.Type {
	case MsgQuestion:
		return Question{Text: in.Text}, nil
	case MsgResult:
		return Result{TaskID: in.TaskID, Summary: in.Text}, nil
	case MsgError:
		return ErrorNotice{TaskID: in.TaskID, Message: in.Text}, nil
	case MsgStatusUpdate:
		return StatusUpdate{Status: in.Status, Detail: in.Text}, nil
	case MsgClarificationRequest:
		return ClarificationRequest{About: in.About, Text: in.Text}, nil
	case MsgArtifactReady:
		return nil, fmt.Errorf("%s messages are sent by the engine", in.Type)
	}
	return nil, fmt.Errorf("unknown message type %q", in.Type)
}

type ReportQualityCheckInput struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Notes  string `json:"notes,omitempty"`
}
