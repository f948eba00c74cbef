package executor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/agent-foundry/foundry-core/engine/graph"
	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/platform/fault"
)

// branchResult carries the ordered deltas of one completed branch.
type branchResult struct {
	deltas []state.Delta
	join   int
}

// runParallel executes the target nodes concurrently, each against an
// independent clone of the state. A branch follows its linear chain until
// the next node is a join point (static in-degree > 1). All branches must
// converge on the same join node. Branch writes are merged per field policy
// in completion order.
func (r *run) runParallel(ctx context.Context, st state.State, targets []int) (int, []state.Delta, error) {
	var mu sync.Mutex
	var completed []branchResult

	grp, gctx := errgroup.WithContext(ctx)
	// The concurrency cap equals the selected set size: no implicit
	// fan-out beyond what the decision returned.
	grp.SetLimit(len(targets))

	for _, target := range targets {
		grp.Go(func() error {
			res, err := r.runBranch(gctx, st.Clone(), target)
			if err != nil {
				return err
			}
			mu.Lock()
			completed = append(completed, res)
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return 0, nil, err
	}

	join := completed[0].join
	merged := make([]state.Delta, 0, len(completed)*2)
	for _, res := range completed {
		if res.join != join {
			return 0, nil, fault.New(fault.KindInternal,
				"parallel branches diverge: joins %q and %q",
				r.e.graph.Nodes[join].ID, r.e.graph.Nodes[res.join].ID).WithRequest(r.req.RequestID)
		}
		merged = append(merged, res.deltas...)
	}
	return join, merged, nil
}

// runBranch runs one branch chain to its join point and returns the deltas
// in execution order.
func (r *run) runBranch(ctx context.Context, st state.State, cur int) (branchResult, error) {
	g := r.e.graph
	var deltas []state.Delta

	for {
		if err := r.checkBounds(ctx); err != nil {
			return branchResult{}, err
		}

		node := &g.Nodes[cur]
		if node.Kind == graph.KindTerminal {
			return branchResult{}, fault.New(fault.KindInternal,
				"parallel branch reached terminal %q before a join", node.ID).WithRequest(r.req.RequestID)
		}

		nodeDeltas, err := r.runNode(ctx, node, st)
		if err != nil {
			return branchResult{}, err
		}
		for _, d := range nodeDeltas {
			if st, err = st.Apply(d, r.e.schema); err != nil {
				return branchResult{}, fault.Wrap(fault.KindInternal, err,
					"apply %q output", node.ID).WithRequest(r.req.RequestID)
			}
		}
		deltas = append(deltas, nodeDeltas...)

		next, err := r.route(ctx, node, st)
		if err != nil {
			return branchResult{}, err
		}
		if len(next) > 1 {
			return branchResult{}, fault.New(fault.KindInternal,
				"nested parallel fan-out at %q is not supported", node.ID).WithRequest(r.req.RequestID)
		}

		if g.InDegree[next[0]] > 1 {
			return branchResult{deltas: deltas, join: next[0]}, nil
		}
		cur = next[0]
	}
}
