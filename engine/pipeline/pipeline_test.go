package pipeline

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/agent-foundry/foundry-core/engine/envelope"
	"github.com/agent-foundry/foundry-core/engine/executor"
	"github.com/agent-foundry/foundry-core/engine/graph"
	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/platform/fault"
)

// ==== TEST HELPERS ====

func chatRequest(text string) *envelope.Request {
	return envelope.New(
		envelope.Identity{Tenant: "acme", Domain: "support"},
		"user:alice",
		envelope.ChannelChat,
		[]envelope.InputPart{{Kind: envelope.PartText, Text: text}},
	)
}

func staticWorker(id string, output map[string]any) Worker {
	return Worker{ID: id, Run: func(context.Context, *envelope.Request, state.State) (map[string]any, error) {
		return output, nil
	}}
}

func failingWorker(id string, kind fault.Kind) Worker {
	return Worker{ID: id, Run: func(context.Context, *envelope.Request, state.State) (map[string]any, error) {
		return nil, fault.New(kind, "worker %s failed", id)
	}}
}

func mustPolicy(t *testing.T, rules []Rule, redact []string) *Policy {
	t.Helper()
	p, err := CompilePolicy(rules, redact)
	if err != nil {
		t.Fatalf("compile policy: %v", err)
	}
	return p
}

func runPipeline(t *testing.T, cfg Config, req *envelope.Request) state.State {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test-pipeline"
	}
	g, schema, err := Build(cfg)
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	final, err := executor.New(g, schema).Run(context.Background(), req, state.New())
	if err != nil {
		t.Fatalf("run pipeline: %v", err)
	}
	return final
}

func finalResponse(t *testing.T, st state.State) map[string]any {
	t.Helper()
	final, ok := st.FinalResponse().(map[string]any)
	if !ok {
		t.Fatalf("final_response has type %T", st.FinalResponse())
	}
	return final
}

// ==== PIPELINE FLOW ====

func TestPipelineHappyPath(t *testing.T) {
	req := chatRequest("summarise the meeting")
	final := runPipeline(t, Config{
		Workers: []Worker{staticWorker("summary", map[string]any{"message": "done", "points": []any{"a"}})},
	}, req)

	resp := finalResponse(t, final)
	if resp["message"] != "done" {
		t.Errorf("message = %v, want done", resp["message"])
	}
	if resp["request_id"] != req.RequestID {
		t.Errorf("request_id = %v, want %s", resp["request_id"], req.RequestID)
	}

	msgs := final.Messages()
	if len(msgs) == 0 {
		t.Fatal("no messages recorded")
	}
	first, _ := msgs[0].(state.Message)
	if first.Role != state.RoleUser || first.Content != "summarise the meeting" {
		t.Errorf("messages[0] = %+v", first)
	}
}

func TestPipelineDefaultSupervisorRunsAllWorkers(t *testing.T) {
	final := runPipeline(t, Config{
		Workers: []Worker{
			staticWorker("one", map[string]any{"one": true}),
			staticWorker("two", map[string]any{"two": true}),
		},
	}, chatRequest("go"))

	resp := finalResponse(t, final)
	if resp["one"] != true || resp["two"] != true {
		t.Errorf("final = %v, want both worker outputs merged", resp)
	}
	if len(final.WorkerResponses()) != 2 {
		t.Errorf("worker responses = %v", final.WorkerResponses())
	}
}

func TestToolWorkersCompileAsToolNodes(t *testing.T) {
	g, _, err := Build(Config{
		Name: "kinds",
		Workers: []Worker{
			{ID: "lookup", Tool: true, Run: staticWorker("lookup", nil).Run},
			staticWorker("summary", map[string]any{"message": "done"}),
		},
	})
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}

	idx, ok := g.NodeIndex(WorkerNode("lookup"))
	if !ok {
		t.Fatalf("node %q missing", WorkerNode("lookup"))
	}
	if g.Nodes[idx].Kind != graph.KindTool {
		t.Errorf("lookup node kind = %q, want %q", g.Nodes[idx].Kind, graph.KindTool)
	}
	idx, ok = g.NodeIndex(WorkerNode("summary"))
	if !ok {
		t.Fatalf("node %q missing", WorkerNode("summary"))
	}
	if g.Nodes[idx].Kind != graph.KindProcess {
		t.Errorf("summary node kind = %q, want %q", g.Nodes[idx].Kind, graph.KindProcess)
	}
}

func TestToolCallBudgetAppliesToToolWorkers(t *testing.T) {
	toolWorker := func(id string) Worker {
		return Worker{ID: id, Tool: true, Run: func(context.Context, *envelope.Request, state.State) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		}}
	}
	g, schema, err := Build(Config{Name: "budget", Workers: []Worker{toolWorker("a"), toolWorker("b")}})
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}

	final, err := executor.New(g, schema, executor.WithMaxToolCalls(1)).
		Run(context.Background(), chatRequest("go"), state.New())
	if err != nil {
		t.Fatalf("run pipeline: %v", err)
	}

	var exhausted int
	for _, r := range final.WorkerResponses() {
		resp, _ := r.(state.WorkerResponse)
		if resp.Error != nil && resp.Error.Kind == string(fault.KindRecursionLimit) {
			exhausted++
		}
	}
	if exhausted != 1 {
		t.Errorf("budget-exhausted workers = %d, want exactly 1", exhausted)
	}
}

func TestPipelineEmptySupervisorSkipsWorkers(t *testing.T) {
	var ran atomic.Int64
	counting := Worker{ID: "w", Run: func(context.Context, *envelope.Request, state.State) (map[string]any, error) {
		ran.Add(1)
		return map[string]any{}, nil
	}}

	req := chatRequest("nothing to do")
	final := runPipeline(t, Config{
		Workers: []Worker{counting},
		Supervisor: func(context.Context, *envelope.Request, state.State) ([]string, error) {
			return nil, nil
		},
	}, req)

	if ran.Load() != 0 {
		t.Errorf("worker ran %d times, want 0", ran.Load())
	}
	resp := finalResponse(t, final)
	if resp["request_id"] != req.RequestID {
		t.Errorf("final = %v", resp)
	}
}

func TestPipelineContextProviderEnriches(t *testing.T) {
	var seen map[string]any
	inspect := Worker{ID: "w", Run: func(_ context.Context, _ *envelope.Request, st state.State) (map[string]any, error) {
		seen, _ = st[state.FieldContext].(map[string]any)
		return map[string]any{}, nil
	}}

	final := runPipeline(t, Config{
		Workers: []Worker{inspect},
		Context: contextFunc(func(context.Context, *envelope.Request) (map[string]any, error) {
			return map[string]any{"session_history": []any{"earlier exchange"}}, nil
		}),
	}, chatRequest("and then?"))

	if seen == nil || seen["session_history"] == nil {
		t.Errorf("worker saw context %v, want session_history", seen)
	}
	if final.FinalResponse() == nil {
		t.Error("pipeline produced no final response")
	}
}

func TestPipelineContextProviderFailureIsNonFatal(t *testing.T) {
	final := runPipeline(t, Config{
		Workers: []Worker{staticWorker("w", map[string]any{"message": "ok"})},
		Context: contextFunc(func(context.Context, *envelope.Request) (map[string]any, error) {
			return nil, fault.New(fault.KindRetriable, "history backend down")
		}),
	}, chatRequest("hi"))

	if finalResponse(t, final)["message"] != "ok" {
		t.Error("pipeline did not complete after context failure")
	}
}

type contextFunc func(ctx context.Context, req *envelope.Request) (map[string]any, error)

func (f contextFunc) Context(ctx context.Context, req *envelope.Request) (map[string]any, error) {
	return f(ctx, req)
}

// ==== GOVERNANCE ====

func TestGovernanceDenyShortCircuits(t *testing.T) {
	var ran atomic.Int64
	counting := Worker{ID: "w", Run: func(context.Context, *envelope.Request, state.State) (map[string]any, error) {
		ran.Add(1)
		return map[string]any{}, nil
	}}

	req := chatRequest("please delete everything")
	final := runPipeline(t, Config{
		Policy:  mustPolicy(t, []Rule{{Name: "no-destructive", When: `text contains "delete"`}}, nil),
		Workers: []Worker{counting},
	}, req)

	if ran.Load() != 0 {
		t.Errorf("worker ran %d times after a deny, want 0", ran.Load())
	}
	resp := finalResponse(t, final)
	if resp["error_kind"] != "policy_violation" {
		t.Errorf("error_kind = %v, want policy_violation", resp["error_kind"])
	}
	if resp["request_id"] != req.RequestID {
		t.Errorf("request_id = %v", resp["request_id"])
	}

	// The deny leaves a governance message in the log.
	found := false
	for _, m := range final.Messages() {
		if msg, ok := m.(state.Message); ok && msg.Role == state.RoleGovernance {
			found = true
		}
	}
	if !found {
		t.Error("no governance message recorded")
	}
}

func TestGovernancePassByDefault(t *testing.T) {
	final := runPipeline(t, Config{
		Policy:  mustPolicy(t, []Rule{{Name: "tenant-block", When: `tenant == "evil"`}}, nil),
		Workers: []Worker{staticWorker("w", map[string]any{"message": "allowed"})},
	}, chatRequest("hello"))

	if finalResponse(t, final)["message"] != "allowed" {
		t.Error("benign request was not allowed through")
	}
}

func TestGovernanceRedaction(t *testing.T) {
	var workerSaw string
	inspect := Worker{ID: "w", Run: func(_ context.Context, _ *envelope.Request, st state.State) (map[string]any, error) {
		msgs := st.Messages()
		if msg, ok := msgs[0].(state.Message); ok {
			workerSaw = msg.Content
		}
		return map[string]any{}, nil
	}}

	runPipeline(t, Config{
		Policy:  mustPolicy(t, nil, []string{`\b\d{16}\b`}),
		Workers: []Worker{inspect},
	}, chatRequest("card 4111111111111111 please"))

	want := "card " + RedactedPlaceholder + " please"
	if workerSaw != want {
		t.Errorf("worker saw %q, want %q", workerSaw, want)
	}
}

// ==== COHERENCE ====

func TestCoherencePartialFailure(t *testing.T) {
	final := runPipeline(t, Config{
		RequireWorker: true,
		Workers: []Worker{
			staticWorker("good", map[string]any{"message": "partial answer"}),
			failingWorker("bad", fault.KindTimeout),
		},
	}, chatRequest("go"))

	resp := finalResponse(t, final)
	if resp["message"] != "partial answer" {
		t.Errorf("final = %v, want the surviving worker's output", resp)
	}

	responses := final.WorkerResponses()
	failed, _ := responses["bad"].(state.WorkerResponse)
	if failed.Error == nil || failed.Error.Kind != string(fault.KindTimeout) {
		t.Errorf("failed worker record = %+v", failed)
	}
}

func TestCoherenceQuorumFailure(t *testing.T) {
	req := chatRequest("go")
	final := runPipeline(t, Config{
		RequireWorker: true,
		Workers: []Worker{
			failingWorker("a", fault.KindTimeout),
			failingWorker("b", fault.KindRetriable),
		},
	}, req)

	resp := finalResponse(t, final)
	if resp["error_kind"] != "worker_quorum_failure" {
		t.Errorf("error_kind = %v, want worker_quorum_failure", resp["error_kind"])
	}
	if resp["request_id"] != req.RequestID {
		t.Errorf("request_id = %v", resp["request_id"])
	}
}

func TestCoherenceAllFailedWithoutQuorumRequirement(t *testing.T) {
	final := runPipeline(t, Config{
		Workers: []Worker{failingWorker("a", fault.KindRetriable)},
	}, chatRequest("go"))

	resp := finalResponse(t, final)
	if _, degraded := resp["error_kind"]; degraded {
		t.Errorf("final = %v, want plain response when quorum is optional", resp)
	}
}

func TestMergeOutput(t *testing.T) {
	t.Run("scalars last writer wins", func(t *testing.T) {
		acc := map[string]any{"message": "first"}
		mergeOutput(acc, map[string]any{"message": "second"})
		if acc["message"] != "second" {
			t.Errorf("message = %v", acc["message"])
		}
	})

	t.Run("lists union preserving order", func(t *testing.T) {
		acc := map[string]any{"refs": []any{"a", "b"}}
		mergeOutput(acc, map[string]any{"refs": []any{"b", "c"}})
		got, _ := acc["refs"].([]any)
		if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
			t.Errorf("refs = %v, want [a b c]", got)
		}
	})

	t.Run("list replaces scalar", func(t *testing.T) {
		acc := map[string]any{"v": "scalar"}
		mergeOutput(acc, map[string]any{"v": []any{1}})
		if got, ok := acc["v"].([]any); !ok || len(got) != 1 {
			t.Errorf("v = %v", acc["v"])
		}
	})
}

// ==== POLICY ====

func TestCompilePolicyErrors(t *testing.T) {
	t.Run("bad expression", func(t *testing.T) {
		if _, err := CompilePolicy([]Rule{{Name: "broken", When: "((("}}, nil); err == nil {
			t.Error("expected compile error")
		}
	})

	t.Run("bad redaction pattern", func(t *testing.T) {
		if _, err := CompilePolicy(nil, []string{"("}); err == nil {
			t.Error("expected pattern error")
		}
	})
}

func TestPolicyEvaluateVariables(t *testing.T) {
	p := mustPolicy(t, []Rule{
		{Name: "channel-rule", When: `channel == "voice" && actor == "user:bob"`},
	}, nil)

	match := envelope.New(envelope.Identity{Tenant: "acme"}, "user:bob", envelope.ChannelVoice, nil)
	denied, rule, err := p.Evaluate(match, state.New())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !denied || rule != "channel-rule" {
		t.Errorf("denied=%v rule=%q, want deny by channel-rule", denied, rule)
	}

	other := envelope.New(envelope.Identity{Tenant: "acme"}, "user:bob", envelope.ChannelChat, nil)
	if denied, _, _ := p.Evaluate(other, state.New()); denied {
		t.Error("chat request denied by voice-only rule")
	}
}

func TestNilPolicy(t *testing.T) {
	var p *Policy
	denied, _, err := p.Evaluate(chatRequest("x"), state.New())
	if err != nil || denied {
		t.Errorf("nil policy: denied=%v err=%v", denied, err)
	}
	if got := p.Redact("keep"); got != "keep" {
		t.Errorf("redact through nil policy = %q", got)
	}
}
