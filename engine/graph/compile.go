package graph

import (
	"fmt"

	"github.com/agent-foundry/foundry-core/engine/state"
)

// Node is one compiled node. Index is its arena id.
type Node struct {
	Index     int
	ID        string
	Kind      NodeKind
	Reads     []string
	Writes    []string
	Handler   Handler
	Predicate Predicate
	// CaptureAs, when non-empty, names the worker id the executor records
	// handler errors under instead of failing the request.
	CaptureAs string
}

// CondRoutes holds the compiled conditional routes of a decision node.
type CondRoutes struct {
	// Targets maps label to target node index.
	Targets map[string]int
	// CatchAll is the catch-all target index, or -1 when absent.
	CatchAll int
}

// Compiled is the immutable executable form of a graph. It is shared
// read-only across all requests; per-request state lives elsewhere.
type Compiled struct {
	Name           string
	Nodes          []Node
	Entry          int
	Terminals      []int
	RecursionLimit int

	// Out holds unconditional edge targets per source node index.
	Out [][]int
	// Cond holds conditional routes per source node index (nil if none).
	Cond []*CondRoutes
	// InDegree counts incoming edges per node; nodes with InDegree > 1
	// are join points for parallel branches.
	InDegree []int

	// Warnings lists nodes unreachable from the entry. Unreachable nodes
	// do not fail compilation.
	Warnings []string

	index map[string]int
}

// NodeIndex resolves a node id to its arena index.
func (c *Compiled) NodeIndex(id string) (int, bool) {
	i, ok := c.index[id]
	return i, ok
}

// Compile validates the graph against the state schema and produces the
// arena form. Checks, in order:
//
//  1. exactly one entry node
//  2. every edge endpoint exists
//  3. every written field has a declared merge policy
//  4. at least one terminal exists and is reachable from the entry
//     (unreachable non-terminal nodes produce warnings only)
//  5. handler and predicate refs resolve for the node kinds that need them
func (b *Builder) Compile(schema *state.Schema) (*Compiled, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("graph %q: %w", b.name, b.errs[0])
	}
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("graph %q has no nodes", b.name)
	}

	c := &Compiled{
		Name:           b.name,
		RecursionLimit: b.recursionLimit,
		Entry:          -1,
		index:          make(map[string]int, len(b.nodes)),
	}

	for i, spec := range b.nodes {
		c.Nodes = append(c.Nodes, Node{
			Index:     i,
			ID:        spec.id,
			Kind:      spec.kind,
			Reads:     spec.reads,
			Writes:    spec.writes,
			Handler:   spec.handler,
			Predicate: spec.predicate,
			CaptureAs: spec.captureAs,
		})
		c.index[spec.id] = i
	}
	c.Out = make([][]int, len(c.Nodes))
	c.Cond = make([]*CondRoutes, len(c.Nodes))
	c.InDegree = make([]int, len(c.Nodes))

	// Check 1: exactly one entry.
	for i, n := range c.Nodes {
		switch n.Kind {
		case KindEntry:
			if c.Entry >= 0 {
				return nil, fmt.Errorf("graph %q has more than one entry (%q, %q)",
					b.name, c.Nodes[c.Entry].ID, n.ID)
			}
			c.Entry = i
		case KindTerminal:
			c.Terminals = append(c.Terminals, i)
		}
	}
	if c.Entry < 0 {
		return nil, fmt.Errorf("graph %q has no entry node", b.name)
	}
	if len(c.Terminals) == 0 {
		return nil, fmt.Errorf("graph %q has no terminal node", b.name)
	}

	// Check 2: edge endpoints exist.
	for _, e := range b.edges {
		src, ok := c.index[e.source]
		if !ok {
			return nil, fmt.Errorf("graph %q: edge source %q does not exist", b.name, e.source)
		}
		dst, ok := c.index[e.target]
		if !ok {
			return nil, fmt.Errorf("graph %q: edge target %q does not exist", b.name, e.target)
		}
		c.Out[src] = append(c.Out[src], dst)
		c.InDegree[dst]++
	}
	for _, cs := range b.cond {
		src, ok := c.index[cs.source]
		if !ok {
			return nil, fmt.Errorf("graph %q: conditional edge source %q does not exist", b.name, cs.source)
		}
		if c.Cond[src] != nil {
			return nil, fmt.Errorf("graph %q: node %q declared conditional edges twice", b.name, cs.source)
		}
		routes := &CondRoutes{Targets: make(map[string]int, len(cs.routes)), CatchAll: -1}
		for label, target := range cs.routes {
			dst, ok := c.index[target]
			if !ok {
				return nil, fmt.Errorf("graph %q: conditional target %q does not exist", b.name, target)
			}
			if label == CatchAll {
				routes.CatchAll = dst
			} else {
				routes.Targets[label] = dst
			}
			c.InDegree[dst]++
		}
		c.Cond[src] = routes
	}

	// Check 3: written fields are declared.
	for _, n := range c.Nodes {
		for _, field := range n.Writes {
			if _, ok := schema.PolicyOf(field); !ok {
				return nil, fmt.Errorf("graph %q: node %q writes field %q with no declared merge policy",
					b.name, n.ID, field)
			}
		}
	}

	// Check 4: terminal reachability.
	reachable := c.reachableFrom(c.Entry)
	terminalReached := false
	for _, t := range c.Terminals {
		if reachable[t] {
			terminalReached = true
			break
		}
	}
	if !terminalReached {
		return nil, fmt.Errorf("graph %q: no terminal reachable from entry %q", b.name, c.Nodes[c.Entry].ID)
	}
	for i, n := range c.Nodes {
		if !reachable[i] {
			c.Warnings = append(c.Warnings, fmt.Sprintf("node %q is unreachable from entry", n.ID))
		}
	}

	// Check 5: handler refs resolve.
	for _, n := range c.Nodes {
		switch n.Kind {
		case KindDecision:
			if n.Predicate == nil {
				return nil, fmt.Errorf("graph %q: decision node %q has no predicate", b.name, n.ID)
			}
			if c.Cond[n.Index] == nil {
				return nil, fmt.Errorf("graph %q: decision node %q has no conditional edges", b.name, n.ID)
			}
		case KindProcess, KindTool:
			if n.Handler == nil {
				return nil, fmt.Errorf("graph %q: node %q has no handler", b.name, n.ID)
			}
		case KindEntry, KindTerminal:
			// Handler optional: entry/terminal may be pure routing points.
		}
	}

	return c, nil
}

// reachableFrom walks all edges from start and reports visited node indexes.
func (c *Compiled) reachableFrom(start int) []bool {
	seen := make([]bool, len(c.Nodes))
	stack := []int{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, c.Out[cur]...)
		if routes := c.Cond[cur]; routes != nil {
			for _, dst := range routes.Targets {
				stack = append(stack, dst)
			}
			if routes.CatchAll >= 0 {
				stack = append(stack, routes.CatchAll)
			}
		}
	}
	return seen
}
