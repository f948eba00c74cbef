package channel

import (
	"context"

	"github.com/agent-foundry/foundry-core/engine/envelope"
	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/engine/typeutil"
	"github.com/agent-foundry/foundry-core/platform/fault"
	"github.com/agent-foundry/foundry-core/platform/tools"
)

// Speech tool names the voice adapter depends on. Both must be bound in
// the instance manifest for the voice endpoint to serve.
const (
	ToolTranscribe = "speech.transcribe"
	ToolSynthesize = "speech.synthesize"
)

// ToolInvoker is the slice of the tool client the voice adapter uses.
type ToolInvoker interface {
	Has(toolName string) bool
	Invoke(ctx context.Context, req *tools.Request) (*tools.Response, error)
}

// VoiceAdapter bridges audio transports and the text pipeline: speech
// recognition on ingress, TTS with prosody hints on egress.
type VoiceAdapter struct {
	invoker ToolInvoker
}

// NewVoiceAdapter wires the adapter; it fails when the speech tools are
// not bound.
func NewVoiceAdapter(invoker ToolInvoker) (*VoiceAdapter, error) {
	for _, name := range []string{ToolTranscribe, ToolSynthesize} {
		if !invoker.Has(name) {
			return nil, fault.New(fault.KindConfiguration,
				"voice channel requires tool %q in the manifest", name)
		}
	}
	return &VoiceAdapter{invoker: invoker}, nil
}

// Transcribe converts an audio stream handle into input parts.
func (a *VoiceAdapter) Transcribe(ctx context.Context, req *envelope.Request, audioHandle string) ([]envelope.InputPart, error) {
	resp, err := a.invoker.Invoke(ctx, &tools.Request{
		ToolName:  ToolTranscribe,
		Arguments: map[string]any{"audio_handle": audioHandle},
		RequestID: req.RequestID,
		Tenant:    req.Identity.Tenant,
		Actor:     req.Actor,
		Deadline:  req.Deadline,
	})
	if err != nil {
		return nil, err
	}
	if resp.Outcome != tools.OutcomeOK {
		return nil, fault.New(fault.KindRetriable, "transcription failed: %s", resp.Error)
	}
	text := typeutil.AsStringDefault(resp.Value["text"], "")
	return []envelope.InputPart{
		{Kind: envelope.PartAudio, AudioHandle: audioHandle},
		{Kind: envelope.PartText, Text: text},
	}, nil
}

// VoiceResponse is the voice transport's result shape.
type VoiceResponse struct {
	RequestID   string          `json:"request_id"`
	AudioHandle string          `json:"audio_handle,omitempty"`
	Transcript  string          `json:"transcript,omitempty"`
	Prosody     []ProsodyMarker `json:"prosody,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
}

// Synthesize renders the final state as speech. Prosody markers in the
// response text are honoured by forwarding them to the TTS tool; the
// returned transcript has them stripped.
func (a *VoiceAdapter) Synthesize(ctx context.Context, req *envelope.Request, final state.State) (VoiceResponse, error) {
	out := VoiceResponse{RequestID: req.RequestID}
	body, ok := typeutil.AsMap(final.FinalResponse())
	if !ok {
		return out, nil
	}
	if kind, ok := typeutil.AsString(body["error_kind"]); ok {
		out.ErrorKind = kind
	}
	text, markers := ExtractMarkers(typeutil.AsStringDefault(body["message"], ""))
	out.Transcript = text
	out.Prosody = markers
	if text == "" {
		return out, nil
	}

	hints := make([]any, 0, len(markers))
	for _, m := range markers {
		hints = append(hints, map[string]any{"name": m.Name, "value": m.Value, "offset": m.Offset})
	}
	resp, err := a.invoker.Invoke(ctx, &tools.Request{
		ToolName:  ToolSynthesize,
		Arguments: map[string]any{"text": text, "prosody": hints},
		RequestID: req.RequestID,
		Tenant:    req.Identity.Tenant,
		Actor:     req.Actor,
		Deadline:  req.Deadline,
	})
	if err != nil {
		return out, err
	}
	if resp.Outcome != tools.OutcomeOK {
		return out, fault.New(fault.KindRetriable, "synthesis failed: %s", resp.Error)
	}
	out.AudioHandle = typeutil.AsStringDefault(resp.Value["audio_handle"], "")
	return out, nil
}
