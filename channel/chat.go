package channel

import (
	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/engine/typeutil"
)

// ChatResponse is the chat transport's result shape.
type ChatResponse struct {
	RequestID      string           `json:"request_id"`
	OutputMarkdown string           `json:"output_markdown"`
	Artifacts      []map[string]any `json:"artifacts,omitempty"`
	ErrorKind      string           `json:"error_kind,omitempty"`
}

// RenderChat adapts a final pipeline state for the chat transport:
// prosody and foreign markers are stripped and untrusted scalar values
// are Markdown-escaped. Structured response fields other than the
// message become artifacts.
func RenderChat(requestID string, final state.State) ChatResponse {
	resp := ChatResponse{RequestID: requestID}
	body, ok := typeutil.AsMap(final.FinalResponse())
	if !ok {
		return resp
	}
	if kind, ok := typeutil.AsString(body["error_kind"]); ok {
		resp.ErrorKind = kind
		resp.OutputMarkdown = EscapeMarkdown(StripMarkers(typeutil.AsStringDefault(body["message"], "")))
		return resp
	}
	if msg, ok := typeutil.AsString(body["message"]); ok {
		resp.OutputMarkdown = EscapeMarkdown(StripMarkers(msg))
	}
	artifact := make(map[string]any)
	for k, v := range body {
		switch k {
		case "message", "request_id":
		default:
			artifact[k] = v
		}
	}
	if len(artifact) > 0 {
		resp.Artifacts = append(resp.Artifacts, artifact)
	}
	return resp
}
