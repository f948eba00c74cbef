package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/agent-foundry/foundry-core/engine/envelope"
	"github.com/agent-foundry/foundry-core/engine/state"
)

// ==== TEST HELPERS ====

func noopHandler(context.Context, *envelope.Request, state.State) (state.Delta, error) {
	return nil, nil
}

func constPredicate(label string) Predicate {
	return func(context.Context, *envelope.Request, state.State) ([]string, error) {
		return []string{label}, nil
	}
}

func linearBuilder() *Builder {
	return NewBuilder("linear").
		AddNode("in", KindEntry).
		AddNode("work", KindProcess, WithHandler(noopHandler), Writes(state.FieldContext)).
		AddNode("out", KindTerminal).
		AddEdge("in", "work").
		AddEdge("work", "out")
}

// ==== COMPILE TESTS ====

func TestCompileLinear(t *testing.T) {
	c, err := linearBuilder().Compile(state.BaseSchema())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(c.Nodes) != 3 {
		t.Errorf("node count = %d, want 3", len(c.Nodes))
	}
	if c.Nodes[c.Entry].ID != "in" {
		t.Errorf("entry = %q, want in", c.Nodes[c.Entry].ID)
	}
	if len(c.Terminals) != 1 || c.Nodes[c.Terminals[0]].ID != "out" {
		t.Errorf("terminals = %v, want [out]", c.Terminals)
	}
	idx, ok := c.NodeIndex("work")
	if !ok || c.Nodes[idx].ID != "work" {
		t.Errorf("NodeIndex(work) = %d, %v", idx, ok)
	}
	if len(c.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", c.Warnings)
	}
}

func TestCompileErrors(t *testing.T) {
	schema := state.BaseSchema()

	t.Run("duplicate node id", func(t *testing.T) {
		b := NewBuilder("dup").
			AddNode("n", KindEntry).
			AddNode("n", KindTerminal)
		if _, err := b.Compile(schema); err == nil || !strings.Contains(err.Error(), "duplicate") {
			t.Errorf("err = %v, want duplicate node error", err)
		}
	})

	t.Run("no entry", func(t *testing.T) {
		b := NewBuilder("noentry").
			AddNode("a", KindProcess, WithHandler(noopHandler)).
			AddNode("z", KindTerminal).
			AddEdge("a", "z")
		if _, err := b.Compile(schema); err == nil || !strings.Contains(err.Error(), "no entry") {
			t.Errorf("err = %v, want no-entry error", err)
		}
	})

	t.Run("two entries", func(t *testing.T) {
		b := NewBuilder("twoentry").
			AddNode("a", KindEntry).
			AddNode("b", KindEntry).
			AddNode("z", KindTerminal).
			AddEdge("a", "z").
			AddEdge("b", "z")
		if _, err := b.Compile(schema); err == nil || !strings.Contains(err.Error(), "more than one entry") {
			t.Errorf("err = %v, want multiple-entry error", err)
		}
	})

	t.Run("edge target does not exist", func(t *testing.T) {
		b := NewBuilder("dangling").
			AddNode("a", KindEntry).
			AddNode("z", KindTerminal).
			AddEdge("a", "ghost").
			AddEdge("a", "z")
		if _, err := b.Compile(schema); err == nil || !strings.Contains(err.Error(), "does not exist") {
			t.Errorf("err = %v, want missing-target error", err)
		}
	})

	t.Run("undeclared written field", func(t *testing.T) {
		b := NewBuilder("badwrite").
			AddNode("a", KindEntry).
			AddNode("w", KindProcess, WithHandler(noopHandler), Writes("no_such_field")).
			AddNode("z", KindTerminal).
			AddEdge("a", "w").
			AddEdge("w", "z")
		if _, err := b.Compile(schema); err == nil || !strings.Contains(err.Error(), "merge policy") {
			t.Errorf("err = %v, want undeclared-field error", err)
		}
	})

	t.Run("no terminal reachable", func(t *testing.T) {
		b := NewBuilder("island").
			AddNode("a", KindEntry).
			AddNode("b", KindProcess, WithHandler(noopHandler)).
			AddNode("z", KindTerminal).
			AddEdge("a", "b").
			AddEdge("b", "a")
		if _, err := b.Compile(schema); err == nil || !strings.Contains(err.Error(), "no terminal reachable") {
			t.Errorf("err = %v, want unreachable-terminal error", err)
		}
	})

	t.Run("decision without predicate", func(t *testing.T) {
		b := NewBuilder("nopred").
			AddNode("a", KindEntry).
			AddNode("d", KindDecision).
			AddNode("z", KindTerminal).
			AddEdge("a", "d").
			AddConditionalEdges("d", map[string]string{"go": "z"})
		if _, err := b.Compile(schema); err == nil || !strings.Contains(err.Error(), "no predicate") {
			t.Errorf("err = %v, want missing-predicate error", err)
		}
	})

	t.Run("process without handler", func(t *testing.T) {
		b := NewBuilder("nohandler").
			AddNode("a", KindEntry).
			AddNode("p", KindProcess).
			AddNode("z", KindTerminal).
			AddEdge("a", "p").
			AddEdge("p", "z")
		if _, err := b.Compile(schema); err == nil || !strings.Contains(err.Error(), "no handler") {
			t.Errorf("err = %v, want missing-handler error", err)
		}
	})
}

func TestCompileUnreachableWarnsOnly(t *testing.T) {
	b := linearBuilder().
		AddNode("orphan", KindProcess, WithHandler(noopHandler))
	c, err := b.Compile(state.BaseSchema())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(c.Warnings) != 1 || !strings.Contains(c.Warnings[0], "orphan") {
		t.Errorf("warnings = %v, want one mentioning orphan", c.Warnings)
	}
}

func TestCompileConditionalEdges(t *testing.T) {
	b := NewBuilder("cond").
		AddNode("in", KindEntry).
		AddNode("d", KindDecision, WithPredicate(constPredicate("left"))).
		AddNode("left", KindProcess, WithHandler(noopHandler)).
		AddNode("right", KindProcess, WithHandler(noopHandler)).
		AddNode("out", KindTerminal).
		AddEdge("in", "d").
		AddConditionalEdges("d", map[string]string{
			"left":   "left",
			"right":  "right",
			CatchAll: "out",
		}).
		AddEdge("left", "out").
		AddEdge("right", "out")
	c, err := b.Compile(state.BaseSchema())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	di, _ := c.NodeIndex("d")
	routes := c.Cond[di]
	if routes == nil {
		t.Fatal("decision has no compiled routes")
	}
	if len(routes.Targets) != 2 {
		t.Errorf("route targets = %d, want 2 labelled", len(routes.Targets))
	}
	oi, _ := c.NodeIndex("out")
	if routes.CatchAll != oi {
		t.Errorf("catch-all = %d, want %d", routes.CatchAll, oi)
	}
	// Three conditional routes plus two unconditional edges land on out.
	if c.InDegree[oi] != 3 {
		t.Errorf("InDegree(out) = %d, want 3", c.InDegree[oi])
	}
}

func TestRecursionLimit(t *testing.T) {
	c, err := linearBuilder().RecursionLimit(7).Compile(state.BaseSchema())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if c.RecursionLimit != 7 {
		t.Errorf("recursion limit = %d, want 7", c.RecursionLimit)
	}

	c2, _ := linearBuilder().Compile(state.BaseSchema())
	if c2.RecursionLimit != DefaultRecursionLimit {
		t.Errorf("default recursion limit = %d, want %d", c2.RecursionLimit, DefaultRecursionLimit)
	}
}
