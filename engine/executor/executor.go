// Package executor drives a compiled graph against a typed state.
//
// Execution advances a single active frontier per request until a terminal
// is reached, the recursion limit is hit, the deadline elapses, or a fatal
// error is raised. Parallel fan-out happens only when a decision predicate
// returns a set of labels; each branch runs against an independent partial
// state and the writes are merged per field policy at the join, in
// completion order.
package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agent-foundry/foundry-core/engine/envelope"
	"github.com/agent-foundry/foundry-core/engine/graph"
	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/observability"
	"github.com/agent-foundry/foundry-core/platform/events"
	"github.com/agent-foundry/foundry-core/platform/fault"
	"github.com/agent-foundry/foundry-core/platform/logging"
)

var tracer = otel.Tracer("foundry/executor")

// Checkpointer persists state snapshots between nodes so an interrupted
// request can resume. Snapshots are opaque blobs addressed by content hash;
// identical states deduplicate inside the implementation.
type Checkpointer interface {
	// Save records the state and the id of the next node to run.
	Save(ctx context.Context, requestID, nextNode string, st state.State) error
	// Load returns the last checkpoint for a request.
	// A fault of kind NotFound means no checkpoint exists.
	Load(ctx context.Context, requestID string) (nextNode string, st state.State, err error)
}

// Executor runs one compiled graph. It is safe for concurrent use; all
// per-request state lives in the run frame.
type Executor struct {
	graph        *graph.Compiled
	schema       *state.Schema
	logger       logging.Logger
	bus          *events.Bus
	checkpointer Checkpointer
	maxToolCalls int
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithBus sets the event bus progress events are published to.
func WithBus(b *events.Bus) Option {
	return func(e *Executor) { e.bus = b }
}

// WithCheckpointer enables state checkpointing after every node.
func WithCheckpointer(c Checkpointer) Option {
	return func(e *Executor) { e.checkpointer = c }
}

// WithMaxToolCalls caps tool-kind node visits per request (0 = unlimited).
func WithMaxToolCalls(n int) Option {
	return func(e *Executor) { e.maxToolCalls = n }
}

// New creates an executor for a compiled graph.
func New(g *graph.Compiled, schema *state.Schema, opts ...Option) *Executor {
	e := &Executor{graph: g, schema: schema, logger: logging.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Bind("graph", g.Name)
	return e
}

// run is the per-request execution frame.
type run struct {
	e         *Executor
	req       *envelope.Request
	visits    atomic.Int64
	toolCalls atomic.Int64
}

// Run executes the graph from its entry against the initial state and
// returns the final state on terminal reach.
func (e *Executor) Run(ctx context.Context, req *envelope.Request, initial state.State) (state.State, error) {
	return e.exec(ctx, req, initial, e.graph.Entry)
}

// Resume continues a checkpointed request. Without a checkpoint it behaves
// like Run.
func (e *Executor) Resume(ctx context.Context, req *envelope.Request, initial state.State) (state.State, error) {
	if e.checkpointer != nil {
		nextNode, st, err := e.checkpointer.Load(ctx, req.RequestID)
		if err == nil {
			if idx, ok := e.graph.NodeIndex(nextNode); ok {
				e.logger.Info("execution_resumed", "request_id", req.RequestID, "node", nextNode)
				return e.exec(ctx, req, st, idx)
			}
		} else if !fault.IsKind(err, fault.KindNotFound) {
			return nil, err
		}
	}
	return e.exec(ctx, req, initial, e.graph.Entry)
}

func (e *Executor) exec(ctx context.Context, req *envelope.Request, initial state.State, start int) (state.State, error) {
	ctx, cancel := req.Context(ctx)
	defer cancel()

	startTime := time.Now()
	r := &run{e: e, req: req}
	st := initial.Clone()
	cur := start

	e.logger.Info("execution_started",
		"request_id", req.RequestID,
		"tenant", req.Identity.Tenant,
		"channel", req.Channel,
		"entry", e.graph.Nodes[start].ID,
	)

	final, err := r.loop(ctx, st, cur)

	durationMS := int(time.Since(startTime).Milliseconds())
	if err != nil {
		observability.RecordGraphExecution(e.graph.Name, string(fault.KindOf(err)), durationMS)
		e.logger.Error("execution_failed",
			"request_id", req.RequestID,
			"error", err.Error(),
			"duration_ms", durationMS,
			"node_visits", r.visits.Load(),
		)
		return nil, err
	}
	observability.RecordGraphExecution(e.graph.Name, "ok", durationMS)
	e.logger.Info("execution_completed",
		"request_id", req.RequestID,
		"duration_ms", durationMS,
		"node_visits", r.visits.Load(),
	)
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Kind:      events.KindFinal,
			RequestID: req.RequestID,
			Outcome:   "ok",
		})
	}
	return final, nil
}

// loop advances the frontier until a terminal is reached.
func (r *run) loop(ctx context.Context, st state.State, cur int) (state.State, error) {
	g := r.e.graph
	for {
		if err := r.checkBounds(ctx); err != nil {
			return nil, err
		}

		node := &g.Nodes[cur]
		deltas, err := r.runNode(ctx, node, st)
		if err != nil {
			return nil, err
		}
		for _, d := range deltas {
			if st, err = st.Apply(d, r.e.schema); err != nil {
				return nil, fault.Wrap(fault.KindInternal, err, "apply %q output", node.ID).WithRequest(r.req.RequestID)
			}
		}

		if node.Kind == graph.KindTerminal {
			return st, nil
		}

		next, err := r.route(ctx, node, st)
		if err != nil {
			return nil, err
		}

		if len(next) > 1 {
			join, branchDeltas, err := r.runParallel(ctx, st, next)
			if err != nil {
				return nil, err
			}
			for _, d := range branchDeltas {
				if st, err = st.Apply(d, r.e.schema); err != nil {
					return nil, fault.Wrap(fault.KindInternal, err, "merge branch output").WithRequest(r.req.RequestID)
				}
			}
			cur = join
		} else {
			cur = next[0]
		}

		r.checkpoint(ctx, g.Nodes[cur].ID, st)
	}
}

// checkBounds enforces the deadline and visit ceiling before each node.
func (r *run) checkBounds(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return r.ctxFault(err)
	}
	if int(r.visits.Add(1)) > r.e.graph.RecursionLimit {
		return fault.New(fault.KindRecursionLimit,
			"graph %q exceeded %d node visits", r.e.graph.Name, r.e.graph.RecursionLimit).
			WithRequest(r.req.RequestID)
	}
	return nil
}

func (r *run) ctxFault(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindDeadlineExceeded, err, "request deadline elapsed").WithRequest(r.req.RequestID)
	}
	return fault.Wrap(fault.KindInternal, err, "request cancelled").WithRequest(r.req.RequestID)
}

// runNode executes one node handler and returns its delta plus the trace
// event delta. The trace event is appended after every node completion.
func (r *run) runNode(ctx context.Context, node *graph.Node, st state.State) ([]state.Delta, error) {
	if node.Kind == graph.KindTool && r.e.maxToolCalls > 0 {
		if int(r.toolCalls.Add(1)) > r.e.maxToolCalls {
			return nil, fault.New(fault.KindRecursionLimit,
				"tool call budget %d exhausted", r.e.maxToolCalls).WithRequest(r.req.RequestID)
		}
	}

	ctx, span := tracer.Start(ctx, "executor.node")
	span.SetAttributes(
		attribute.String("foundry.node.id", node.ID),
		attribute.String("foundry.node.kind", string(node.Kind)),
		attribute.String("foundry.request.id", r.req.RequestID),
	)
	defer span.End()

	if r.e.bus != nil {
		r.e.bus.Publish(events.Event{
			Kind:      events.KindNodeEntered,
			RequestID: r.req.RequestID,
			Node:      node.ID,
		})
	}

	started := time.Now()
	var delta state.Delta
	var err error
	if node.Handler != nil {
		delta, err = node.Handler(ctx, r.req, st)
	}
	duration := time.Since(started)
	durationMS := int(duration.Milliseconds())

	outcome := "ok"
	if err != nil {
		outcome = string(fault.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordNodeExecution(node.ID, "error", durationMS)
		if node.CaptureAs != "" && ctx.Err() == nil {
			// Worker failure becomes data: the error is recorded under
			// worker_responses and the pipeline proceeds to coherence.
			r.e.logger.Warn("worker_failed",
				"request_id", r.req.RequestID, "node", node.ID, "worker", node.CaptureAs,
				"kind", outcome, "error", err.Error(), "duration_ms", durationMS)
			delta = state.Delta{state.FieldWorkerResponses: map[string]any{
				node.CaptureAs: state.WorkerResponse{
					WorkerID:    node.CaptureAs,
					Error:       &state.WorkerError{Kind: outcome, Message: err.Error()},
					CompletedAt: time.Now().UTC(),
				},
			}}
			err = nil
		} else {
			r.e.logger.Error("node_failed",
				"request_id", r.req.RequestID, "node", node.ID, "error", err.Error(), "duration_ms", durationMS)
		}
	} else {
		span.SetStatus(codes.Ok, "ok")
		observability.RecordNodeExecution(node.ID, "ok", durationMS)
		r.e.logger.Debug("node_completed",
			"request_id", r.req.RequestID, "node", node.ID, "duration_ms", durationMS)
	}

	if r.e.bus != nil {
		r.e.bus.Publish(events.Event{
			Kind:      events.KindNodeCompleted,
			RequestID: r.req.RequestID,
			Node:      node.ID,
			Outcome:   outcome,
		})
	}

	traceDelta := state.Delta{state.FieldTrace: []any{state.TraceEvent{
		NodeID:    node.ID,
		StartedAt: started.UTC(),
		Duration:  duration,
		Outcome:   outcome,
	}}}

	if err != nil {
		return nil, r.nodeFault(node, err)
	}
	deltas := make([]state.Delta, 0, 2)
	if delta != nil {
		deltas = append(deltas, delta)
	}
	return append(deltas, traceDelta), nil
}

func (r *run) nodeFault(node *graph.Node, err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.WithRequest(r.req.RequestID)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return r.ctxFault(context.DeadlineExceeded)
	}
	return fault.Wrap(fault.KindInternal, err, "node %q failed", node.ID).WithRequest(r.req.RequestID)
}

// route selects the next node(s).
func (r *run) route(ctx context.Context, node *graph.Node, st state.State) ([]int, error) {
	g := r.e.graph
	if node.Kind == graph.KindDecision {
		labels, err := node.Predicate(ctx, r.req, st)
		if err != nil {
			return nil, r.nodeFault(node, err)
		}
		routes := g.Cond[node.Index]
		if len(labels) == 0 {
			if routes.CatchAll >= 0 {
				return []int{routes.CatchAll}, nil
			}
			return nil, fault.New(fault.KindUnroutableState,
				"decision %q returned no label and has no catch-all", node.ID).WithRequest(r.req.RequestID)
		}
		targets := make([]int, 0, len(labels))
		seen := make(map[int]bool, len(labels))
		for _, label := range labels {
			dst, ok := routes.Targets[label]
			if !ok {
				if routes.CatchAll < 0 {
					return nil, fault.New(fault.KindUnroutableState,
						"decision %q returned label %q with no matching edge", node.ID, label).
						WithRequest(r.req.RequestID)
				}
				dst = routes.CatchAll
			}
			if !seen[dst] {
				seen[dst] = true
				targets = append(targets, dst)
			}
		}
		return targets, nil
	}

	outs := g.Out[node.Index]
	switch len(outs) {
	case 1:
		return []int{outs[0]}, nil
	case 0:
		return nil, fault.New(fault.KindUnroutableState,
			"node %q has no outgoing edge", node.ID).WithRequest(r.req.RequestID)
	default:
		return nil, fault.New(fault.KindAmbiguousEdge,
			"node %q has %d unconditional edges", node.ID, len(outs)).WithRequest(r.req.RequestID)
	}
}

// checkpoint persists the state if a checkpointer is configured. Failures
// are non-fatal: the request completes and a warning metric is emitted.
func (r *run) checkpoint(ctx context.Context, nextNode string, st state.State) {
	if r.e.checkpointer == nil || ctx.Err() != nil {
		return
	}
	if err := r.e.checkpointer.Save(ctx, r.req.RequestID, nextNode, st); err != nil {
		observability.RecordCheckpointFailure(r.e.graph.Name)
		r.e.logger.Warn("checkpoint_save_failed",
			"request_id", r.req.RequestID, "node", nextNode, "error", err.Error())
	}
}
