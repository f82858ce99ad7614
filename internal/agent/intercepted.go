package agent

import (
	"encoding/json"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

// interceptedSpecs are the engine tools every pod may call. They act on the
// work order itself and are never sent to the tool registry.
var interceptedSpecs = []domain.ToolSpec{
	{
		Name:        domain.ToolPauseAndAsk,
		Description: "Pause the whole work order and ask the human a question. Use only when the answer cannot be safely inferred.",
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"reason":{"type":"string"},"question":{"type":"string"},` +
			`"required_fields":{"type":"array","items":{"type":"string"}},` +
			`"can_infer_from_vague_answer":{"type":"boolean"}},"required":["question"]}`),
	},
	{
		Name:        domain.ToolWriteArtifact,
		Description: "Save a deliverable. Writing the same path again creates a new version.",
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"name":{"type":"string"},"path":{"type":"string"},` +
			`"type":{"type":"string","enum":["file","code","report","plan","design","data"]},` +
			`"content":{"type":"string"}},"required":["path","content"]}`),
	},
	{
		Name:        domain.ToolFetchArtifact,
		Description: "Fetch the full content of an artifact by path (latest version) or by ID.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"id":{"type":"string"}}}`),
	},
	{
		Name:        domain.ToolSendMessage,
		Description: `Send a message to another pod by ID, or to every pod with "*".`,
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"to":{"type":"string"},` +
			`"type":{"type":"string","enum":["question","result","error","status_update","clarification_request"]},` +
			`"text":{"type":"string"},"about":{"type":"string"},"task_id":{"type":"string"},"status":{"type":"string"}},` +
			`"required":["to","type","text"]}`),
	},
	{
		Name:        domain.ToolReportQualityCheck,
		Description: "Report the result of a quality check you actually ran.",
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"name":{"type":"string"},"passed":{"type":"boolean"},"notes":{"type":"string"}},"required":["name","passed"]}`),
	},
}

func isIntercepted(name string) bool {
	switch name {
	case domain.ToolPauseAndAsk, domain.ToolWriteArtifact, domain.ToolFetchArtifact,
		domain.ToolSendMessage, domain.ToolReportQualityCheck:
		return true
	}
	return false
}

// pathOf extracts the "path" field tool inputs carry, if any.
func pathOf(input json.RawMessage) string {
	var p struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(input, &p)
	return p.Path
}
