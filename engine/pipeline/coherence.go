package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agent-foundry/foundry-core/engine/envelope"
	"github.com/agent-foundry/foundry-core/engine/graph"
	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/engine/typeutil"
	"github.com/agent-foundry/foundry-core/platform/logging"
)

// coherence merges the worker responses into one final_response.
// Contradictions resolve last-writer-wins on scalar fields and union on
// list fields, in worker completion order. When every selected worker
// failed and the pipeline requires at least one, the response degrades
// with error_kind worker_quorum_failure instead of failing the request.
func coherence(cfg Config) graph.Handler {
	return func(_ context.Context, req *envelope.Request, st state.State) (state.Delta, error) {
		responses := decodeResponses(st.WorkerResponses())

		var succeeded []state.WorkerResponse
		for _, resp := range responses {
			if resp.Error == nil {
				succeeded = append(succeeded, resp)
			}
		}
		sort.SliceStable(succeeded, func(i, j int) bool {
			return succeeded[i].CompletedAt.Before(succeeded[j].CompletedAt)
		})

		if len(succeeded) == 0 && len(responses) > 0 && cfg.RequireWorker {
			cfg.Logger.Warn("worker_quorum_failed",
				"request_id", req.RequestID, "workers", len(responses))
			return state.Delta{state.FieldFinalResponse: map[string]any{
				"error_kind": "worker_quorum_failure",
				"message":    "no worker produced a usable response",
				"request_id": req.RequestID,
			}}, nil
		}

		final := map[string]any{"request_id": req.RequestID}
		for _, resp := range succeeded {
			mergeOutput(final, resp.Output)
		}
		return state.Delta{state.FieldFinalResponse: final}, nil
	}
}

// mergeOutput folds one worker output into the accumulated response.
// Lists union (order preserved, duplicates dropped); everything else is
// last-writer-wins.
func mergeOutput(acc map[string]any, output map[string]any) {
	for k, v := range output {
		incoming, ok := v.([]any)
		if !ok {
			acc[k] = v
			continue
		}
		existing, ok := acc[k].([]any)
		if !ok {
			acc[k] = incoming
			continue
		}
		seen := make(map[string]bool, len(existing))
		for _, e := range existing {
			seen[fmt.Sprintf("%v", e)] = true
		}
		for _, e := range incoming {
			key := fmt.Sprintf("%v", e)
			if !seen[key] {
				seen[key] = true
				existing = append(existing, e)
			}
		}
		acc[k] = existing
	}
}

// decodeResponses normalises the worker_responses map. In-process runs
// hold WorkerResponse values; runs resumed from a checkpoint hold the
// decoded JSON shape.
func decodeResponses(raw map[string]any) []state.WorkerResponse {
	out := make([]state.WorkerResponse, 0, len(raw))
	for id, v := range raw {
		switch resp := v.(type) {
		case state.WorkerResponse:
			out = append(out, resp)
		case map[string]any:
			decoded := state.WorkerResponse{WorkerID: id}
			if output, ok := typeutil.AsMap(resp["output"]); ok {
				decoded.Output = output
			}
			if errDoc, ok := typeutil.AsMap(resp["error"]); ok {
				decoded.Error = &state.WorkerError{
					Kind:    typeutil.AsStringDefault(errDoc["kind"], ""),
					Message: typeutil.AsStringDefault(errDoc["message"], ""),
				}
			}
			if ts, ok := typeutil.AsString(resp["completed_at"]); ok {
				if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
					decoded.CompletedAt = t
				}
			}
			out = append(out, decoded)
		}
	}
	return out
}

// observe emits the per-request summary after coherence: one log line,
// plus an aggregated entry appended to the trace.
func observe(logger logging.Logger) graph.Handler {
	return func(_ context.Context, req *envelope.Request, st state.State) (state.Delta, error) {
		responses := decodeResponses(st.WorkerResponses())
		failed := 0
		for _, resp := range responses {
			if resp.Error != nil {
				failed++
			}
		}
		trace, _ := typeutil.AsSlice(st[state.FieldTrace])
		logger.Info("pipeline_summary",
			"request_id", req.RequestID,
			"tenant", req.Identity.Tenant,
			"workers", len(responses),
			"workers_failed", failed,
			"trace_events", len(trace),
		)
		return state.Delta{state.FieldTrace: []any{map[string]any{
			"node_id":        StageObservability,
			"workers":        len(responses),
			"workers_failed": failed,
		}}}, nil
	}
}
