// Package graph provides the node/edge graph model and its compiler.
//
// A graph is authored through a Builder using string node ids, then compiled
// into an immutable arena form: node and edge slabs indexed by small integer
// ids. Nodes refer to each other by index only, so cyclic graphs carry no
// owning cycles and the compiled form is shared read-only across requests.
package graph

import (
	"context"
	"fmt"

	"github.com/agent-foundry/foundry-core/engine/envelope"
	"github.com/agent-foundry/foundry-core/engine/state"
)

// NodeKind classifies a node.
type NodeKind string

const (
	KindEntry    NodeKind = "entry"
	KindProcess  NodeKind = "process"
	KindDecision NodeKind = "decision"
	KindTool     NodeKind = "tool"
	KindTerminal NodeKind = "terminal"
)

// CatchAll is the conditional-edge label matched when no predicate label does.
const CatchAll = "*"

// DefaultRecursionLimit bounds total node visits per request.
const DefaultRecursionLimit = 100

// Handler runs a node against the current state. It receives the request
// envelope and a read-only view of the state and returns a partial-state
// delta. Handlers must not mutate the state in place.
type Handler func(ctx context.Context, req *envelope.Request, st state.State) (state.Delta, error)

// Predicate routes a decision node. It returns one label for sequential
// routing, or several labels to activate the matching targets in parallel.
type Predicate func(ctx context.Context, req *envelope.Request, st state.State) ([]string, error)

// nodeSpec is the builder-side node declaration.
type nodeSpec struct {
	id        string
	kind      NodeKind
	reads     []string
	writes    []string
	handler   Handler
	predicate Predicate
	captureAs string
}

// edgeSpec is the builder-side edge declaration.
type edgeSpec struct {
	source string
	target string
}

// condSpec is the builder-side conditional edge set for one source node.
type condSpec struct {
	source string
	routes map[string]string // label -> target; may include CatchAll
}

// NodeOption configures a node at declaration time.
type NodeOption func(*nodeSpec)

// Reads declares the fields a node reads.
func Reads(fields ...string) NodeOption {
	return func(n *nodeSpec) { n.reads = fields }
}

// Writes declares the fields a node writes. Every written field must have a
// declared merge policy or compilation fails.
func Writes(fields ...string) NodeOption {
	return func(n *nodeSpec) { n.writes = fields }
}

// WithHandler binds the node handler.
func WithHandler(h Handler) NodeOption {
	return func(n *nodeSpec) { n.handler = h }
}

// WithPredicate binds the routing predicate of a decision node.
func WithPredicate(p Predicate) NodeOption {
	return func(n *nodeSpec) { n.predicate = p }
}

// CaptureErrorsAs marks a worker node whose handler errors are recorded
// under worker_responses[id].error instead of failing the request.
// Cancellation is never captured.
func CaptureErrorsAs(workerID string) NodeOption {
	return func(n *nodeSpec) { n.captureAs = workerID }
}

// Builder accumulates nodes and edges before compilation.
type Builder struct {
	name           string
	nodes          []*nodeSpec
	byID           map[string]*nodeSpec
	edges          []edgeSpec
	cond           []condSpec
	recursionLimit int
	errs           []error
}

// NewBuilder creates a graph builder.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:           name,
		byID:           make(map[string]*nodeSpec),
		recursionLimit: DefaultRecursionLimit,
	}
}

// AddNode declares a node. Duplicate ids are a compile error.
func (b *Builder) AddNode(id string, kind NodeKind, opts ...NodeOption) *Builder {
	if _, dup := b.byID[id]; dup {
		b.errs = append(b.errs, fmt.Errorf("duplicate node id %q", id))
		return b
	}
	n := &nodeSpec{id: id, kind: kind}
	for _, opt := range opts {
		opt(n)
	}
	b.nodes = append(b.nodes, n)
	b.byID[id] = n
	return b
}

// AddEdge declares an unconditional edge.
func (b *Builder) AddEdge(source, target string) *Builder {
	b.edges = append(b.edges, edgeSpec{source: source, target: target})
	return b
}

// AddConditionalEdges declares the labelled routes out of a decision node.
// Include CatchAll to keep the label set closed when the predicate may
// return labels outside the route map.
func (b *Builder) AddConditionalEdges(source string, routes map[string]string) *Builder {
	cp := make(map[string]string, len(routes))
	for label, target := range routes {
		cp[label] = target
	}
	b.cond = append(b.cond, condSpec{source: source, routes: cp})
	return b
}

// RecursionLimit overrides the default ceiling on node visits per request.
func (b *Builder) RecursionLimit(limit int) *Builder {
	if limit > 0 {
		b.recursionLimit = limit
	}
	return b
}
