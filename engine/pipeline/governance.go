package pipeline

import (
	"fmt"
	"regexp"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/agent-foundry/foundry-core/engine/envelope"
	"github.com/agent-foundry/foundry-core/engine/state"
)

// Rule is one governance policy rule. When evaluates against the request
// and must yield a boolean; a true result denies the request.
type Rule struct {
	Name string `yaml:"name" json:"name"`
	When string `yaml:"when" json:"when"`
}

// Policy is a compiled governance policy: deny rules plus redaction
// patterns applied to the input text before it reaches workers.
type Policy struct {
	rules     []compiledRule
	redactors []*regexp.Regexp
}

type compiledRule struct {
	name    string
	program *vm.Program
}

// RedactedPlaceholder replaces text matched by a redaction pattern.
const RedactedPlaceholder = "[redacted]"

// CompilePolicy compiles rules and redaction patterns. Rule expressions
// see the variables text, input, channel, tenant, domain and actor.
func CompilePolicy(rules []Rule, redactPatterns []string) (*Policy, error) {
	p := &Policy{}
	for _, r := range rules {
		program, err := expr.Compile(r.When,
			expr.Env(map[string]any{}),
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			return nil, fmt.Errorf("governance rule %q: %w", r.Name, err)
		}
		p.rules = append(p.rules, compiledRule{name: r.Name, program: program})
	}
	for _, pattern := range redactPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("governance redaction pattern %q: %w", pattern, err)
		}
		p.redactors = append(p.redactors, re)
	}
	return p, nil
}

// Evaluate runs the deny rules against a request. The first matching
// rule's name is returned.
func (p *Policy) Evaluate(req *envelope.Request, st state.State) (denied bool, rule string, err error) {
	if p == nil || len(p.rules) == 0 {
		return false, "", nil
	}
	env := map[string]any{
		"text":    req.FirstText(),
		"input":   req.FirstStructured(),
		"channel": string(req.Channel),
		"tenant":  req.Identity.Tenant,
		"domain":  req.Identity.Domain,
		"actor":   req.Actor,
	}
	for _, r := range p.rules {
		out, runErr := expr.Run(r.program, env)
		if runErr != nil {
			return false, "", fmt.Errorf("governance rule %q: %w", r.name, runErr)
		}
		if matched, ok := out.(bool); ok && matched {
			return true, r.name, nil
		}
	}
	return false, "", nil
}

// Redact masks every redaction-pattern match in the text.
func (p *Policy) Redact(text string) string {
	if p == nil {
		return text
	}
	for _, re := range p.redactors {
		text = re.ReplaceAllString(text, RedactedPlaceholder)
	}
	return text
}
