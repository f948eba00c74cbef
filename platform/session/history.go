package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agent-foundry/foundry-core/engine/envelope"
	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/observability"
	"github.com/agent-foundry/foundry-core/platform/fault"
	"github.com/agent-foundry/foundry-core/platform/logging"
)

// historyScope groups conversation history drafts.
const historyScope = "sessions"

// DefaultHistoryLimit caps the exchanges kept per session.
const DefaultHistoryLimit = 20

// Exchange is one request/response pair in a conversation.
type Exchange struct {
	RequestID string         `json:"request_id"`
	Input     string         `json:"input"`
	Response  map[string]any `json:"response,omitempty"`
	At        time.Time      `json:"at"`
}

// History enriches pipeline state with per-session conversation history
// and records completed exchanges back to the draft store. Drafts carry
// the store TTL, so idle sessions expire on their own.
type History struct {
	store  DraftStore
	logger logging.Logger
	limit  int
}

// NewHistory creates a history provider over a draft store.
func NewHistory(store DraftStore, logger logging.Logger) *History {
	return &History{store: store, logger: logger, limit: DefaultHistoryLimit}
}

// Context implements the pipeline context-stage contract: it returns the
// session's prior exchanges for enrichment. One-shot requests get nil.
func (h *History) Context(ctx context.Context, req *envelope.Request) (map[string]any, error) {
	if req.SessionID == "" {
		return nil, nil
	}
	exchanges, err := h.load(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if len(exchanges) == 0 {
		return nil, nil
	}
	docs := make([]any, 0, len(exchanges))
	for _, e := range exchanges {
		docs = append(docs, map[string]any{
			"request_id": e.RequestID,
			"input":      e.Input,
			"response":   e.Response,
			"at":         e.At.Format(time.RFC3339Nano),
		})
	}
	return map[string]any{"session_history": docs}, nil
}

// Record appends a completed exchange to the session history. Failure is
// non-fatal: the request already completed, so only a warning metric and
// log line are emitted.
func (h *History) Record(ctx context.Context, req *envelope.Request, final state.State) {
	if req.SessionID == "" {
		return
	}
	exchanges, err := h.load(ctx, req.SessionID)
	if err != nil && !fault.IsKind(err, fault.KindNotFound) {
		h.warn(req, err)
		return
	}
	response, _ := final.FinalResponse().(map[string]any)
	exchanges = append(exchanges, Exchange{
		RequestID: req.RequestID,
		Input:     req.FirstText(),
		Response:  response,
		At:        time.Now().UTC(),
	})
	if len(exchanges) > h.limit {
		exchanges = exchanges[len(exchanges)-h.limit:]
	}
	raw, err := json.Marshal(exchanges)
	if err != nil {
		h.warn(req, err)
		return
	}
	if err := h.store.Save(ctx, historyScope, req.SessionID, raw); err != nil {
		h.warn(req, err)
	}
}

func (h *History) load(ctx context.Context, sessionID string) ([]Exchange, error) {
	raw, err := h.store.Load(ctx, historyScope, sessionID)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var exchanges []Exchange
	if err := json.Unmarshal(raw, &exchanges); err != nil {
		return nil, err
	}
	return exchanges, nil
}

func (h *History) warn(req *envelope.Request, err error) {
	observability.RecordDraftSaveFailure()
	h.logger.Warn("session_history_save_failed",
		"request_id", req.RequestID, "session_id", req.SessionID, "error", err.Error())
}
