package bundle

import (
	"context"
	"strings"

	"github.com/agent-foundry/foundry-core/engine/envelope"
	"github.com/agent-foundry/foundry-core/engine/executor"
	"github.com/agent-foundry/foundry-core/engine/graph"
	"github.com/agent-foundry/foundry-core/engine/pipeline"
	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/engine/typeutil"
	"github.com/agent-foundry/foundry-core/platform/audit"
	"github.com/agent-foundry/foundry-core/platform/authz"
	"github.com/agent-foundry/foundry-core/platform/events"
	"github.com/agent-foundry/foundry-core/platform/fault"
	"github.com/agent-foundry/foundry-core/platform/logging"
	"github.com/agent-foundry/foundry-core/platform/registry"
	"github.com/agent-foundry/foundry-core/platform/tools"
)

// WorkerRegistry maps handler refs from graph documents to worker
// bodies registered at process start.
type WorkerRegistry struct {
	bodies map[string]pipeline.WorkerFunc
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{bodies: make(map[string]pipeline.WorkerFunc)}
}

// Register binds a handler ref. Re-registering a ref overrides it.
func (r *WorkerRegistry) Register(ref string, body pipeline.WorkerFunc) {
	r.bodies[ref] = body
}

func (r *WorkerRegistry) resolve(ref string) (pipeline.WorkerFunc, bool) {
	body, ok := r.bodies[ref]
	return body, ok
}

// SecretGetter is the slice of the secret store client the loader uses
// to resolve tool credentials at boot.
type SecretGetter interface {
	Get(ctx context.Context, requestID, actor, tenant, domain, name string) (string, error)
}

// Deps are the boot-time resources the loader wires into the runtime.
type Deps struct {
	Registry     *registry.Registry
	Workers      *WorkerRegistry
	Audit        *audit.Log
	Authz        authz.Oracle
	Secrets      SecretGetter
	Bus          *events.Bus
	Checkpointer executor.Checkpointer
	Context      pipeline.ContextProvider
	Logger       logging.Logger
}

// Runtime is a fully-assembled instance ready to serve requests.
type Runtime struct {
	Manifest *Manifest
	Graph    *graph.Compiled
	Schema   *state.Schema
	Tools    *tools.Client
	Executor *executor.Executor
}

// Load reads the manifest, verifies the bundle, compiles the pipeline,
// and binds tool clients, resolving declared tool credentials through
// the secret store. Any integrity or configuration failure aborts the
// boot; the process must not serve traffic on error.
func Load(ctx context.Context, manifestPath, bundleDir string, deps Deps) (*Runtime, error) {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	b, err := Open(bundleDir)
	if err != nil {
		return nil, err
	}

	rawGraph, err := b.Resolve(m.Graph)
	if err != nil {
		return nil, err
	}
	doc, err := parseGraphDoc(rawGraph, m.Graph)
	if err != nil {
		return nil, err
	}
	// Worker refs named by the manifest must exist in the bundle even
	// when the graph document does not use all of them.
	for _, ref := range m.Workers {
		if _, err := b.Resolve(ref); err != nil {
			return nil, err
		}
	}

	toolClient, err := buildTools(ctx, m, b, deps)
	if err != nil {
		return nil, err
	}

	policy, err := pipeline.CompilePolicy(doc.Governance.Rules, doc.Governance.Redact)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "compiling governance policy")
	}
	workers, err := buildWorkers(doc, b, toolClient, deps)
	if err != nil {
		return nil, err
	}

	compiled, schema, err := pipeline.Build(pipeline.Config{
		Name:           doc.Name,
		Policy:         policy,
		Context:        deps.Context,
		Supervisor:     buildSupervisor(doc.Supervisor, workers),
		Workers:        workers,
		RequireWorker:  doc.RequireWorker,
		RecursionLimit: doc.RecursionLimit,
		Audit:          deps.Audit,
		Logger:         deps.Logger,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "compiling pipeline %q", doc.Name)
	}

	opts := []executor.Option{executor.WithLogger(deps.Logger)}
	if deps.Bus != nil {
		opts = append(opts, executor.WithBus(deps.Bus))
	}
	if deps.Checkpointer != nil {
		opts = append(opts, executor.WithCheckpointer(deps.Checkpointer))
	}
	exec := executor.New(compiled, schema, opts...)

	deps.Logger.Info("runtime_loaded",
		"instance", m.Instance,
		"tenant", m.Tenant,
		"graph", doc.Name,
		"workers", len(workers),
		"tools", len(m.Tools),
	)
	return &Runtime{
		Manifest: m,
		Graph:    compiled,
		Schema:   schema,
		Tools:    toolClient,
		Executor: exec,
	}, nil
}

// buildTools compiles the manifest's tool bindings. An endpoint of the
// form "svc:<name>" resolves through the service registry; a declared
// secret resolves through the secret store and rides as a bearer token.
func buildTools(ctx context.Context, m *Manifest, b *Bundle, deps Deps) (*tools.Client, error) {
	bindings := make([]tools.Binding, 0, len(m.Tools))
	for _, t := range m.Tools {
		endpoint := t.Endpoint
		if name, ok := strings.CutPrefix(endpoint, "svc:"); ok {
			if deps.Registry == nil {
				return nil, fault.New(fault.KindConfiguration,
					"tool %q endpoint %q needs a service registry", t.Name, endpoint)
			}
			ep, err := deps.Registry.Resolve(name)
			if err != nil {
				return nil, err
			}
			endpoint = ep.URL()
		}
		binding := tools.Binding{
			Name:           t.Name,
			Endpoint:       endpoint,
			IdempotencyTTL: t.IdempotencyTTL,
			ConcurrencyCap: t.ConcurrencyCap,
			RatePerSecond:  t.RatePerSecond,
		}
		if t.Schema != "" {
			raw, err := b.Resolve(t.Schema)
			if err != nil {
				return nil, err
			}
			binding.ArgumentSchema = raw
		}
		if t.Secret != "" {
			if deps.Secrets == nil {
				return nil, fault.New(fault.KindConfiguration,
					"tool %q declares secret %q but no secret store is configured", t.Name, t.Secret)
			}
			value, err := deps.Secrets.Get(ctx, "boot", envelope.ActorService, m.Tenant, m.Domain, t.Secret)
			if err != nil {
				return nil, err
			}
			binding.AuthToken = value
		}
		bindings = append(bindings, binding)
	}
	opts := []tools.Option{}
	if deps.Audit != nil {
		opts = append(opts, tools.WithAudit(deps.Audit))
	}
	if deps.Authz != nil {
		opts = append(opts, tools.WithAuthz(deps.Authz))
	}
	if deps.Bus != nil {
		opts = append(opts, tools.WithBus(deps.Bus))
	}
	return tools.NewClient(bindings, deps.Logger, opts...)
}

// buildWorkers assembles the worker stages a graph document declares.
func buildWorkers(doc *GraphDoc, b *Bundle, toolClient *tools.Client, deps Deps) ([]pipeline.Worker, error) {
	workers := make([]pipeline.Worker, 0, len(doc.Workers))
	for _, w := range doc.Workers {
		var body pipeline.WorkerFunc
		switch w.Kind {
		case "tool":
			if w.Tool == "" {
				return nil, fault.New(fault.KindConfiguration, "worker %q: tool kind needs a tool name", w.ID)
			}
			if !toolClient.Has(w.Tool) {
				return nil, fault.New(fault.KindUnknownTool,
					"worker %q binds tool %q which no manifest binding serves", w.ID, w.Tool)
			}
			body = pipeline.ToolWorker(toolClient, w.Tool, pipeline.StructuredArguments(w.Drop...))
		case "handler":
			if deps.Workers == nil {
				return nil, fault.New(fault.KindConfiguration, "worker %q: no worker registry configured", w.ID)
			}
			resolved, ok := deps.Workers.resolve(w.Handler)
			if !ok {
				return nil, fault.New(fault.KindConfiguration,
					"worker %q: handler ref %q is not registered", w.ID, w.Handler)
			}
			body = resolved
		case "graph":
			sub, err := loadSubgraph(w, b, deps)
			if err != nil {
				return nil, err
			}
			body = sub
		}
		workers = append(workers, pipeline.Worker{ID: w.ID, Tool: w.Kind == "tool", Run: body})
	}
	return workers, nil
}

// loadSubgraph compiles a worker's nested graph document. Sub-graphs
// reuse the registered handler bodies but never declare tools of their
// own; tool access goes through the parent's bindings by handler ref.
func loadSubgraph(w WorkerDoc, b *Bundle, deps Deps) (pipeline.WorkerFunc, error) {
	if w.Graph == "" {
		return nil, fault.New(fault.KindConfiguration, "worker %q: graph kind needs a graph ref", w.ID)
	}
	raw, err := b.Resolve(w.Graph)
	if err != nil {
		return nil, err
	}
	subDoc, err := parseGraphDoc(raw, w.Graph)
	if err != nil {
		return nil, err
	}
	subWorkers := make([]pipeline.Worker, 0, len(subDoc.Workers))
	for _, sw := range subDoc.Workers {
		if sw.Kind != "handler" {
			return nil, fault.New(fault.KindConfiguration,
				"sub-graph worker %q must have kind handler, got %q", sw.ID, sw.Kind)
		}
		body, ok := deps.Workers.resolve(sw.Handler)
		if !ok {
			return nil, fault.New(fault.KindConfiguration,
				"sub-graph worker %q: handler ref %q is not registered", sw.ID, sw.Handler)
		}
		subWorkers = append(subWorkers, pipeline.Worker{ID: sw.ID, Run: body})
	}
	policy, err := pipeline.CompilePolicy(subDoc.Governance.Rules, subDoc.Governance.Redact)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "compiling sub-graph policy for %q", w.ID)
	}
	compiled, schema, err := pipeline.Build(pipeline.Config{
		Name:           subDoc.Name,
		Policy:         policy,
		Supervisor:     buildSupervisor(subDoc.Supervisor, subWorkers),
		Workers:        subWorkers,
		RequireWorker:  subDoc.RequireWorker,
		RecursionLimit: subDoc.RecursionLimit,
		Logger:         deps.Logger,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "compiling sub-graph for worker %q", w.ID)
	}
	return pipeline.SubgraphWorker(compiled, schema, executor.WithLogger(deps.Logger)), nil
}

// buildSupervisor turns the declarative selection into a SupervisorFunc.
func buildSupervisor(doc SupervisorDoc, workers []pipeline.Worker) pipeline.SupervisorFunc {
	if doc.Field == "" {
		return nil // pipeline default: select all
	}
	return func(_ context.Context, req *envelope.Request, st state.State) ([]string, error) {
		value := ""
		if input := req.FirstStructured(); input != nil {
			value = typeutil.AsStringDefault(input[doc.Field], "")
		}
		if ids, ok := doc.Routes[value]; ok {
			return ids, nil
		}
		return doc.Default, nil
	}
}
