// Package envelope provides the pipeline-neutral request envelope.
//
// A transport arrival is translated by its channel adapter into a Request;
// the executor drives the pipeline against it; the adapter serialises the
// resulting final_response back to the transport. The envelope is the
// authority for identity and isolation: tenant may never be rewritten by a
// worker node, and the request id is immutable once assigned at ingress.
package envelope

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Channel identifies the transport a request arrived on.
type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelVoice Channel = "voice"
	ChannelAPI   Channel = "api"
)

// PartKind is the type of one input part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartStructured PartKind = "structured"
	PartAudio      PartKind = "audio"
)

// InputPart is one typed element of the request input sequence.
type InputPart struct {
	Kind PartKind `json:"kind"`
	// Text content, for PartText.
	Text string `json:"text,omitempty"`
	// Payload is a structured value, for PartStructured.
	Payload map[string]any `json:"payload,omitempty"`
	// AudioHandle references a transport-owned audio stream, for PartAudio.
	AudioHandle string `json:"audio_handle,omitempty"`
}

// Identity is the tenant/domain/instance triplet. Tenant is the top-level
// isolation boundary; domain and instance are optional refinements.
type Identity struct {
	Tenant   string `json:"tenant"`
	Domain   string `json:"domain,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// ActorService is the actor id used for internal service calls.
const ActorService = "service"

// Request is the neutral request envelope.
type Request struct {
	RequestID string      `json:"request_id"`
	Identity  Identity    `json:"identity"`
	Actor     string      `json:"actor"`
	Channel   Channel     `json:"channel"`
	Input     []InputPart `json:"input"`

	// ArrivedAt is the wall-clock arrival time; ArrivedMono anchors
	// duration measurement against clock adjustments.
	ArrivedAt   time.Time `json:"arrived_at"`
	ArrivedMono time.Time `json:"-"`

	// SessionID groups requests into a conversation; empty for one-shot.
	SessionID string `json:"session_id,omitempty"`

	// Deadline is the absolute completion bound; zero means none.
	// It propagates to every downstream call and only tightens.
	Deadline time.Time `json:"deadline,omitempty"`
}

// New creates a Request with a fresh 128-bit request id.
func New(identity Identity, actor string, channel Channel, input []InputPart) *Request {
	now := time.Now()
	return &Request{
		RequestID:   "req_" + uuid.NewString(),
		Identity:    identity,
		Actor:       actor,
		Channel:     channel,
		Input:       input,
		ArrivedAt:   now.UTC(),
		ArrivedMono: now,
	}
}

// Context derives a context honouring the request deadline.
// The returned cancel must be called when the request completes.
func (r *Request) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if r.Deadline.IsZero() {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, r.Deadline)
}

// TightenDeadline returns the sub-call deadline: the parent deadline
// unless child is earlier. A sub-call never outlives its parent.
func (r *Request) TightenDeadline(child time.Time) time.Time {
	if r.Deadline.IsZero() {
		return child
	}
	if child.IsZero() || child.After(r.Deadline) {
		return r.Deadline
	}
	return child
}

// FirstText returns the first text part, or "".
func (r *Request) FirstText() string {
	for _, p := range r.Input {
		if p.Kind == PartText {
			return p.Text
		}
	}
	return ""
}

// FirstStructured returns the first structured part payload, or nil.
func (r *Request) FirstStructured() map[string]any {
	for _, p := range r.Input {
		if p.Kind == PartStructured {
			return p.Payload
		}
	}
	return nil
}

// Response is the neutral output event handed back to the channel adapter.
type Response struct {
	RequestID string         `json:"request_id"`
	Body      map[string]any `json:"body,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Degraded builds the channel-neutral degraded response for a failed request.
func Degraded(requestID, errorKind, message string) *Response {
	return &Response{RequestID: requestID, ErrorKind: errorKind, Message: message}
}
