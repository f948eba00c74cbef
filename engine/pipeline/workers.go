package pipeline

import (
	"context"

	"github.com/agent-foundry/foundry-core/engine/envelope"
	"github.com/agent-foundry/foundry-core/engine/executor"
	"github.com/agent-foundry/foundry-core/engine/graph"
	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/engine/typeutil"
	"github.com/agent-foundry/foundry-core/platform/fault"
	"github.com/agent-foundry/foundry-core/platform/tools"
)

// ToolInvoker is the slice of the tool client workers depend on.
type ToolInvoker interface {
	Invoke(ctx context.Context, req *tools.Request) (*tools.Response, error)
}

// ArgumentsFunc builds the tool arguments for a request, typically from
// the structured input and the enriched context.
type ArgumentsFunc func(req *envelope.Request, st state.State) (map[string]any, error)

// ToolWorker returns a worker body that invokes one tool and uses its
// value as the worker output. A non-ok outcome is returned as a fault so
// it lands under worker_responses[id].error.
func ToolWorker(invoker ToolInvoker, toolName string, args ArgumentsFunc) WorkerFunc {
	return func(ctx context.Context, req *envelope.Request, st state.State) (map[string]any, error) {
		arguments, err := args(req, st)
		if err != nil {
			return nil, fault.Wrap(fault.KindArgumentValidation, err, "building arguments for %q", toolName)
		}
		resp, err := invoker.Invoke(ctx, &tools.Request{
			ToolName:  toolName,
			Arguments: arguments,
			RequestID: req.RequestID,
			Tenant:    req.Identity.Tenant,
			Actor:     req.Actor,
			Deadline:  req.Deadline,
		})
		if err != nil {
			return nil, err
		}
		switch resp.Outcome {
		case tools.OutcomeOK:
			return resp.Value, nil
		case tools.OutcomeTimeout:
			return nil, fault.New(fault.KindTimeout, "tool %q timed out: %s", toolName, resp.Error)
		case tools.OutcomeFatal:
			return nil, fault.New(fault.KindFatal, "tool %q failed: %s", toolName, resp.Error)
		default:
			return nil, fault.New(fault.KindRetriable, "tool %q failed: %s", toolName, resp.Error)
		}
	}
}

// StructuredArguments is the common ArgumentsFunc: the request's
// structured input minus routing-only keys.
func StructuredArguments(drop ...string) ArgumentsFunc {
	return func(req *envelope.Request, _ state.State) (map[string]any, error) {
		input := req.FirstStructured()
		if input == nil {
			return map[string]any{}, nil
		}
		out := make(map[string]any, len(input))
		for k, v := range input {
			out[k] = v
		}
		for _, k := range drop {
			delete(out, k)
		}
		return out, nil
	}
}

// SubgraphWorker returns a worker body that runs a nested compiled graph
// against a copy of the parent state. The sub-graph's final_response
// becomes the worker output; its other writes stay inside the sub-run.
func SubgraphWorker(g *graph.Compiled, schema *state.Schema, opts ...executor.Option) WorkerFunc {
	exec := executor.New(g, schema, opts...)
	return func(ctx context.Context, req *envelope.Request, st state.State) (map[string]any, error) {
		final, err := exec.Run(ctx, req, st.Clone())
		if err != nil {
			return nil, err
		}
		if out, ok := typeutil.AsMap(final.FinalResponse()); ok {
			return out, nil
		}
		return map[string]any{}, nil
	}
}
