package channel

import (
	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/engine/typeutil"
)

// APIResponse is the structured transport's result shape: JSON in, JSON
// out, no markup processing.
type APIResponse struct {
	RequestID  string         `json:"request_id"`
	OutputJSON map[string]any `json:"output_json,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// RenderAPI passes the final_response through unchanged apart from
// lifting the error fields to the envelope level.
func RenderAPI(requestID string, final state.State) APIResponse {
	resp := APIResponse{RequestID: requestID}
	body, ok := typeutil.AsMap(final.FinalResponse())
	if !ok {
		return resp
	}
	if kind, ok := typeutil.AsString(body["error_kind"]); ok {
		resp.ErrorKind = kind
		resp.Message = typeutil.AsStringDefault(body["message"], "")
		return resp
	}
	resp.OutputJSON = body
	return resp
}
