package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/platform/fault"
)

// checkpointScope groups all execution checkpoints under one draft scope.
const checkpointScope = "checkpoints"

// checkpointDoc is the persisted shape of one checkpoint.
type checkpointDoc struct {
	NextNode string          `json:"next_node"`
	State    json.RawMessage `json:"state"`
}

// Checkpointer persists the executor's resume point between node
// transitions. Saves are deduplicated by content hash so an unchanged
// state does not hit the store twice in a row.
type Checkpointer struct {
	store DraftStore

	mu   sync.Mutex
	last map[string]string // request id -> hash of last saved doc
}

// NewCheckpointer creates a checkpointer over a draft store.
func NewCheckpointer(store DraftStore) *Checkpointer {
	return &Checkpointer{store: store, last: make(map[string]string)}
}

// Save stores the resume point for a request.
func (c *Checkpointer) Save(ctx context.Context, requestID, nextNode string, st state.State) error {
	snapshot, err := state.CanonicalJSON(st)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(checkpointDoc{NextNode: nextNode, State: snapshot})
	if err != nil {
		return err
	}
	hash := state.HashBytes(doc)

	c.mu.Lock()
	if c.last[requestID] == hash {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.store.Save(ctx, checkpointScope, requestID, doc); err != nil {
		return err
	}
	c.mu.Lock()
	c.last[requestID] = hash
	c.mu.Unlock()
	return nil
}

// Load returns the stored resume point, or a NotFound fault when the
// request has no checkpoint.
func (c *Checkpointer) Load(ctx context.Context, requestID string) (string, state.State, error) {
	raw, err := c.store.Load(ctx, checkpointScope, requestID)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return "", nil, err
		}
		return "", nil, fault.Wrap(fault.KindInternal, err, "loading checkpoint for %s", requestID)
	}
	var doc checkpointDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", nil, fault.Wrap(fault.KindInternal, err, "decoding checkpoint for %s", requestID)
	}
	st, err := state.DecodeSnapshot(doc.State)
	if err != nil {
		return "", nil, fault.Wrap(fault.KindInternal, err, "decoding checkpoint state for %s", requestID)
	}
	return doc.NextNode, st, nil
}

// Discard removes a request's checkpoint after a successful run.
func (c *Checkpointer) Discard(ctx context.Context, requestID string) error {
	c.mu.Lock()
	delete(c.last, requestID)
	c.mu.Unlock()
	return c.store.Delete(ctx, checkpointScope, requestID)
}
