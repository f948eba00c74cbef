// Package state provides the typed pipeline state shared by graph nodes.
//
// State is a field-name to value mapping. Every field carries a declared
// merge policy so concurrent writes from parallel branches combine
// deterministically:
//
//   - replace: last completed write wins
//   - append:  ordered concatenation of sequences, completion order
//   - merge:   dictionary union, later keys override earlier
//
// The graph compiler rejects a node that writes a field whose policy is
// undeclared.
package state

import (
	"fmt"
	"time"
)

// MergePolicy is a per-field rule for combining writes.
type MergePolicy string

const (
	// Replace makes the last completed write win.
	Replace MergePolicy = "replace"
	// Append concatenates sequence values in completion order.
	Append MergePolicy = "append"
	// Merge unions dictionary values; later keys override earlier.
	Merge MergePolicy = "merge"
)

// Well-known field names. Application graphs may add their own fields;
// the executor is schema-driven and agnostic beyond these.
const (
	FieldMessages        = "messages"
	FieldWorkerResponses = "worker_responses"
	FieldContext         = "context"
	FieldTrace           = "trace"
	FieldFinalResponse   = "final_response"
)

// Message roles.
const (
	RoleUser       = "user"
	RoleSystem     = "system"
	RoleAssistant  = "assistant"
	RoleTool       = "tool"
	RoleGovernance = "governance"
)

// Message is one entry in the ordered message log.
type Message struct {
	Role    string         `json:"role"`
	Content string         `json:"content"`
	Name    string         `json:"name,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// TraceEvent records one node transition for observability.
type TraceEvent struct {
	NodeID    string        `json:"node_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcome   string        `json:"outcome"` // "ok", "error", or an error kind
}

// WorkerError is the structured error a failed worker leaves behind.
type WorkerError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// WorkerResponse is the envelope a worker writes under its id.
type WorkerResponse struct {
	WorkerID    string         `json:"worker_id"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *WorkerError   `json:"error,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Schema declares the merge policy of every writable field.
type Schema struct {
	policies map[string]MergePolicy
}

// NewSchema creates an empty schema.
func NewSchema() *Schema {
	return &Schema{policies: make(map[string]MergePolicy)}
}

// BaseSchema returns a schema declaring the fields every pipeline carries.
func BaseSchema() *Schema {
	s := NewSchema()
	s.Declare(FieldMessages, Append)
	s.Declare(FieldWorkerResponses, Merge)
	s.Declare(FieldContext, Merge)
	s.Declare(FieldTrace, Append)
	s.Declare(FieldFinalResponse, Replace)
	return s
}

// Declare registers a field with its merge policy. Redeclaring a field
// overrides the previous policy.
func (s *Schema) Declare(field string, policy MergePolicy) {
	s.policies[field] = policy
}

// PolicyOf returns the declared policy for a field.
func (s *Schema) PolicyOf(field string) (MergePolicy, bool) {
	p, ok := s.policies[field]
	return p, ok
}

// Fields returns the declared field names.
func (s *Schema) Fields() []string {
	names := make([]string, 0, len(s.policies))
	for name := range s.policies {
		names = append(names, name)
	}
	return names
}

// State is the per-request pipeline state.
type State map[string]any

// Delta is a partial-state update returned by a node handler.
// Handlers must never mutate State in place.
type Delta map[string]any

// New creates an empty state.
func New() State {
	return make(State)
}

// Clone returns a copy of the state safe to hand to a parallel branch.
// Top-level slices and maps are copied; nested values are shared read-only
// by convention (handlers return deltas instead of mutating).
func (st State) Clone() State {
	dup := make(State, len(st))
	for k, v := range st {
		switch tv := v.(type) {
		case []any:
			cp := make([]any, len(tv))
			copy(cp, tv)
			dup[k] = cp
		case map[string]any:
			cp := make(map[string]any, len(tv))
			for mk, mv := range tv {
				cp[mk] = mv
			}
			dup[k] = cp
		default:
			dup[k] = v
		}
	}
	return dup
}

// Apply merges a delta into the state according to the schema and returns
// the updated state. The receiver is modified and returned for chaining.
// Deltas from parallel branches must be applied in completion order.
func (st State) Apply(delta Delta, schema *Schema) (State, error) {
	for field, value := range delta {
		policy, ok := schema.PolicyOf(field)
		if !ok {
			return st, fmt.Errorf("write to undeclared field %q", field)
		}
		switch policy {
		case Replace:
			st[field] = value
		case Append:
			st[field] = appendValues(st[field], value)
		case Merge:
			merged, err := mergeValues(st[field], value)
			if err != nil {
				return st, fmt.Errorf("field %q: %w", field, err)
			}
			st[field] = merged
		default:
			return st, fmt.Errorf("field %q has unknown policy %q", field, policy)
		}
	}
	return st, nil
}

// appendValues concatenates existing and incoming as sequences.
// Scalars are promoted to single-element sequences.
func appendValues(existing, incoming any) any {
	out := toSlice(existing)
	out = append(out, toSlice(incoming)...)
	return out
}

func toSlice(v any) []any {
	switch tv := v.(type) {
	case nil:
		return nil
	case []any:
		return tv
	default:
		return []any{tv}
	}
}

// mergeValues unions two dictionary values; incoming keys override existing.
func mergeValues(existing, incoming any) (any, error) {
	if incoming == nil {
		return existing, nil
	}
	in, ok := incoming.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("merge policy requires map value, got %T", incoming)
	}
	if existing == nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out, nil
	}
	ex, ok := existing.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("merge policy requires map value, got %T", existing)
	}
	out := make(map[string]any, len(ex)+len(in))
	for k, v := range ex {
		out[k] = v
	}
	for k, v := range in {
		out[k] = v
	}
	return out, nil
}

// Messages returns the message log, or nil when absent.
func (st State) Messages() []any {
	v, _ := st[FieldMessages].([]any)
	return v
}

// FinalResponse returns the final_response field, or nil when unset.
func (st State) FinalResponse() any {
	return st[FieldFinalResponse]
}

// WorkerResponses returns the worker_responses map, or nil when absent.
func (st State) WorkerResponses() map[string]any {
	v, _ := st[FieldWorkerResponses].(map[string]any)
	return v
}
