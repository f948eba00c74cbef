// Package bundle loads the Instance Manifest and its content-addressed
// bundle at boot, verifies integrity, and assembles the runtime: compiled
// pipeline graph, tool bindings, and secret scopes.
package bundle

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent-foundry/foundry-core/engine/pipeline"
	"github.com/agent-foundry/foundry-core/platform/fault"
)

// ManifestKind is the only accepted manifest kind.
const ManifestKind = "InstanceManifest"

// ToolRef declares one tool binding in the manifest. Endpoint is either
// a URL or a service-registry name prefixed "svc:"; Schema is a
// content-hash ref into the bundle; Secret names a declared secret whose
// value is sent to the tool server as a bearer token.
type ToolRef struct {
	Name           string        `yaml:"name"`
	Endpoint       string        `yaml:"endpoint"`
	Schema         string        `yaml:"schema,omitempty"`
	Secret         string        `yaml:"secret,omitempty"`
	IdempotencyTTL time.Duration `yaml:"idempotencyTTL,omitempty"`
	ConcurrencyCap int           `yaml:"concurrencyCap,omitempty"`
	RatePerSecond  float64       `yaml:"ratePerSecond,omitempty"`
}

// SecretRef declares one secret the instance may read.
type SecretRef struct {
	Name  string `yaml:"name"`
	Scope string `yaml:"scope"`
}

// Manifest is the human-editable instance declaration.
type Manifest struct {
	APIVersion  string      `yaml:"apiVersion"`
	Kind        string      `yaml:"kind"`
	Tenant      string      `yaml:"tenant"`
	Domain      string      `yaml:"domain,omitempty"`
	Environment string      `yaml:"environment"`
	Instance    string      `yaml:"instance"`
	Graph       string      `yaml:"graph"`
	Workers     []string    `yaml:"workers,omitempty"`
	Tools       []ToolRef   `yaml:"tools,omitempty"`
	Secrets     []SecretRef `yaml:"secrets,omitempty"`
}

// LoadManifest reads and validates the manifest file.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "reading manifest %q", path)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "parsing manifest %q", path)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Kind != ManifestKind {
		return fault.New(fault.KindConfiguration, "manifest kind %q, want %q", m.Kind, ManifestKind)
	}
	for _, field := range []struct{ name, value string }{
		{"tenant", m.Tenant},
		{"environment", m.Environment},
		{"instance", m.Instance},
		{"graph", m.Graph},
	} {
		if field.value == "" {
			return fault.New(fault.KindConfiguration, "manifest missing required field %q", field.name)
		}
	}
	declared := make(map[string]bool, len(m.Secrets))
	for _, s := range m.Secrets {
		declared[s.Name] = true
	}
	seen := make(map[string]bool, len(m.Tools))
	for _, t := range m.Tools {
		if t.Name == "" || t.Endpoint == "" {
			return fault.New(fault.KindConfiguration, "manifest tool needs name and endpoint")
		}
		if seen[t.Name] {
			return fault.New(fault.KindConfiguration, "manifest declares tool %q twice", t.Name)
		}
		seen[t.Name] = true
		if t.Secret != "" && !declared[t.Secret] {
			return fault.New(fault.KindConfiguration,
				"manifest tool %q references undeclared secret %q", t.Name, t.Secret)
		}
	}
	return nil
}

// GraphDoc is the pipeline configuration document a manifest's graph ref
// resolves to.
type GraphDoc struct {
	Name           string        `yaml:"name"`
	RecursionLimit int           `yaml:"recursionLimit,omitempty"`
	RequireWorker  bool          `yaml:"requireWorker,omitempty"`
	Governance     GovernanceDoc `yaml:"governance,omitempty"`
	Supervisor     SupervisorDoc `yaml:"supervisor,omitempty"`
	Workers        []WorkerDoc   `yaml:"workers"`
}

// GovernanceDoc declares the policy stage.
type GovernanceDoc struct {
	Rules  []pipeline.Rule `yaml:"rules,omitempty"`
	Redact []string        `yaml:"redact,omitempty"`
}

// SupervisorDoc declares intent-based worker selection. Field names a
// key in the structured input; Routes maps its values to worker sets.
// An empty Field selects every declared worker.
type SupervisorDoc struct {
	Field   string              `yaml:"field,omitempty"`
	Routes  map[string][]string `yaml:"routes,omitempty"`
	Default []string            `yaml:"default,omitempty"`
}

// WorkerDoc declares one worker stage. Kind "tool" binds the named tool;
// kind "handler" resolves Handler against the registered worker bodies;
// kind "graph" runs the sub-graph the Graph ref resolves to.
type WorkerDoc struct {
	ID      string   `yaml:"id"`
	Kind    string   `yaml:"kind"`
	Tool    string   `yaml:"tool,omitempty"`
	Handler string   `yaml:"handler,omitempty"`
	Graph   string   `yaml:"graph,omitempty"`
	Drop    []string `yaml:"drop,omitempty"`
}

func parseGraphDoc(raw []byte, ref string) (*GraphDoc, error) {
	var doc GraphDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "parsing graph document %s", ref)
	}
	if doc.Name == "" {
		doc.Name = "pipeline"
	}
	for _, w := range doc.Workers {
		if w.ID == "" {
			return nil, fault.New(fault.KindConfiguration, "graph document %s: worker missing id", ref)
		}
		switch w.Kind {
		case "tool", "handler", "graph":
		default:
			return nil, fault.New(fault.KindConfiguration,
				"graph document %s: worker %q has unknown kind %q", ref, w.ID, w.Kind)
		}
	}
	return &doc, nil
}
