// Package pipeline assembles the canonical agent pipeline as a compiled
// state graph.
//
// The stage roles are fixed; the handlers bound to them come from the
// instance manifest. Every request flows
//
//	io_in -> governance -> context -> supervisor -> worker_* -> coherence -> observability -> io_out
//
// with two declared shortcuts: governance may route straight to io_out on
// a policy violation, and the supervisor routes to coherence when it
// selects no workers.
package pipeline

import (
	"context"
	"time"

	"github.com/agent-foundry/foundry-core/engine/envelope"
	"github.com/agent-foundry/foundry-core/engine/graph"
	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/engine/typeutil"
	"github.com/agent-foundry/foundry-core/platform/audit"
	"github.com/agent-foundry/foundry-core/platform/fault"
	"github.com/agent-foundry/foundry-core/platform/logging"
)

// Stage node ids.
const (
	StageIOIn          = "io_in"
	StageGovernance    = "governance"
	StageContext       = "context"
	StageSupervisor    = "supervisor"
	StageCoherence     = "coherence"
	StageObservability = "observability"
	StageIOOut         = "io_out"
)

// Supervisor routing label when no worker is selected.
const labelNoWorkers = "none"

// WorkerNode returns the node id of a worker stage.
func WorkerNode(workerID string) string {
	return "worker_" + workerID
}

// WorkerFunc is the body of one worker stage. It returns the worker's
// output document; a returned error is captured under
// worker_responses[id].error and never unwinds the pipeline.
type WorkerFunc func(ctx context.Context, req *envelope.Request, st state.State) (map[string]any, error)

// Worker binds a worker id to its body. Tool marks workers whose body
// invokes a tool; their nodes count against the tool-call budget.
type Worker struct {
	ID   string
	Tool bool
	Run  WorkerFunc
}

// SupervisorFunc selects the worker ids to activate for a request.
// An empty set routes directly to coherence.
type SupervisorFunc func(ctx context.Context, req *envelope.Request, st state.State) ([]string, error)

// ContextProvider enriches the state with per-session history before the
// supervisor runs. The returned document is merged into the context field.
type ContextProvider interface {
	Context(ctx context.Context, req *envelope.Request) (map[string]any, error)
}

// Config declares one pipeline instance.
type Config struct {
	Name           string
	Policy         *Policy
	Context        ContextProvider
	Supervisor     SupervisorFunc
	Workers        []Worker
	RequireWorker  bool // coherence degrades when no worker succeeded
	RecursionLimit int
	Audit          *audit.Log
	Logger         logging.Logger
}

// Build compiles the pipeline graph. The returned schema is the base
// pipeline schema; callers pass both to the executor.
func Build(cfg Config) (*graph.Compiled, *state.Schema, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Supervisor == nil {
		cfg.Supervisor = selectAll(cfg.Workers)
	}
	schema := state.BaseSchema()

	b := graph.NewBuilder(cfg.Name).
		RecursionLimit(cfg.RecursionLimit)

	b.AddNode(StageIOIn, graph.KindEntry,
		graph.Writes(state.FieldMessages, state.FieldContext),
		graph.WithHandler(ioIn(cfg.Policy)))
	b.AddEdge(StageIOIn, StageGovernance)

	b.AddNode(StageGovernance, graph.KindDecision,
		graph.Reads(state.FieldMessages),
		graph.Writes(state.FieldContext, state.FieldFinalResponse, state.FieldMessages),
		graph.WithHandler(governance(cfg)),
		graph.WithPredicate(governanceRoute))
	b.AddConditionalEdges(StageGovernance, map[string]string{
		"pass": StageContext,
		"deny": StageIOOut,
	})

	b.AddNode(StageContext, graph.KindProcess,
		graph.Reads(state.FieldMessages),
		graph.Writes(state.FieldContext),
		graph.WithHandler(contextStage(cfg)))
	b.AddEdge(StageContext, StageSupervisor)

	routes := map[string]string{labelNoWorkers: StageCoherence}
	for _, w := range cfg.Workers {
		node := WorkerNode(w.ID)
		routes[w.ID] = node
		kind := graph.KindProcess
		if w.Tool {
			kind = graph.KindTool
		}
		b.AddNode(node, kind,
			graph.Reads(state.FieldMessages, state.FieldContext),
			graph.Writes(state.FieldWorkerResponses),
			graph.WithHandler(workerStage(w)),
			graph.CaptureErrorsAs(w.ID))
		b.AddEdge(node, StageCoherence)
	}
	b.AddNode(StageSupervisor, graph.KindDecision,
		graph.Reads(state.FieldContext),
		graph.WithPredicate(supervise(cfg.Supervisor)))
	b.AddConditionalEdges(StageSupervisor, routes)

	b.AddNode(StageCoherence, graph.KindProcess,
		graph.Reads(state.FieldWorkerResponses),
		graph.Writes(state.FieldFinalResponse),
		graph.WithHandler(coherence(cfg)))
	b.AddEdge(StageCoherence, StageObservability)

	b.AddNode(StageObservability, graph.KindProcess,
		graph.Reads(state.FieldTrace, state.FieldWorkerResponses),
		graph.Writes(state.FieldTrace),
		graph.WithHandler(observe(cfg.Logger)))
	b.AddEdge(StageObservability, StageIOOut)

	b.AddNode(StageIOOut, graph.KindTerminal,
		graph.Reads(state.FieldFinalResponse))

	compiled, err := b.Compile(schema)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range compiled.Warnings {
		cfg.Logger.Warn("pipeline_compile_warning", "graph", cfg.Name, "warning", w)
	}
	return compiled, schema, nil
}

// selectAll is the default supervisor: every declared worker runs.
func selectAll(workers []Worker) SupervisorFunc {
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.ID)
	}
	return func(context.Context, *envelope.Request, state.State) ([]string, error) {
		return ids, nil
	}
}

// ioIn normalises the channel input into messages[0] and seeds the
// context field with the redacted input text.
func ioIn(policy *Policy) graph.Handler {
	return func(_ context.Context, req *envelope.Request, _ state.State) (state.Delta, error) {
		text := policy.Redact(req.FirstText())
		msg := state.Message{Role: state.RoleUser, Content: text}
		if structured := req.FirstStructured(); structured != nil {
			msg.Data = structured
		}
		return state.Delta{
			state.FieldMessages: []any{msg},
			state.FieldContext: map[string]any{
				"input_text": text,
				"channel":    string(req.Channel),
			},
		}, nil
	}
}

// governance applies the policy and records the verdict under
// context.policy_verdict for the routing predicate.
func governance(cfg Config) graph.Handler {
	return func(_ context.Context, req *envelope.Request, st state.State) (state.Delta, error) {
		denied, rule, err := cfg.Policy.Evaluate(req, st)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "governance policy evaluation")
		}
		if !denied {
			return state.Delta{
				state.FieldContext: map[string]any{"policy_verdict": "pass"},
			}, nil
		}
		if cfg.Audit != nil {
			cfg.Audit.Record(audit.Entry{
				RequestID:    req.RequestID,
				Tenant:       req.Identity.Tenant,
				Actor:        req.Actor,
				Action:       audit.ActionGovernanceDeny,
				ResourceType: "rule",
				ResourceID:   rule,
				Outcome:      audit.OutcomeDenied,
			})
		}
		cfg.Logger.Warn("governance_denied", "request_id", req.RequestID, "rule", rule)
		return state.Delta{
			state.FieldContext: map[string]any{"policy_verdict": "deny", "policy_rule": rule},
			state.FieldMessages: []any{state.Message{
				Role:    state.RoleGovernance,
				Content: "request not permitted",
			}},
			state.FieldFinalResponse: map[string]any{
				"error_kind": "policy_violation",
				"message":    "request not permitted",
				"request_id": req.RequestID,
			},
		}, nil
	}
}

// governanceRoute reads the verdict the governance handler wrote.
func governanceRoute(_ context.Context, _ *envelope.Request, st state.State) ([]string, error) {
	if verdict, ok := typeutil.NestedString(st, state.FieldContext+".policy_verdict"); ok && verdict == "deny" {
		return []string{"deny"}, nil
	}
	return []string{"pass"}, nil
}

// contextStage merges session history into the context field. Provider
// failure is non-fatal; workers run without enrichment.
func contextStage(cfg Config) graph.Handler {
	return func(ctx context.Context, req *envelope.Request, _ state.State) (state.Delta, error) {
		if cfg.Context == nil {
			return nil, nil
		}
		doc, err := cfg.Context.Context(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			cfg.Logger.Warn("context_enrichment_failed",
				"request_id", req.RequestID, "error", err.Error())
			return nil, nil
		}
		if doc == nil {
			return nil, nil
		}
		return state.Delta{state.FieldContext: doc}, nil
	}
}

// supervise adapts the supervisor to the routing predicate shape.
func supervise(fn SupervisorFunc) graph.Predicate {
	return func(ctx context.Context, req *envelope.Request, st state.State) ([]string, error) {
		ids, err := fn(ctx, req, st)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return []string{labelNoWorkers}, nil
		}
		return ids, nil
	}
}

// workerStage packages a worker body's output under its id. Errors
// propagate to the executor, which records them via the node's capture
// id rather than failing the request.
func workerStage(w Worker) graph.Handler {
	return func(ctx context.Context, req *envelope.Request, st state.State) (state.Delta, error) {
		output, err := w.Run(ctx, req, st)
		if err != nil {
			return nil, err
		}
		return state.Delta{
			state.FieldWorkerResponses: map[string]any{w.ID: state.WorkerResponse{
				WorkerID:    w.ID,
				Output:      output,
				CompletedAt: time.Now().UTC(),
			}},
		}, nil
	}
}
