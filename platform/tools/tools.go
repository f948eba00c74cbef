// Package tools provides the uniform tool-invocation protocol client.
//
// Every tool call travels in the same envelope, is gated on the actor's
// can_execute grant, validated against the tool's argument schema,
// deduplicated through a tenant-scoped idempotency
// cache with single-flight semantics, retried on transient failures within
// the request deadline, rate- and concurrency-capped per tool binding, and
// audited per attempt.
package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/agent-foundry/foundry-core/engine/state"
)

// Outcome classifies a tool response.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeRetriable Outcome = "retriable_error"
	OutcomeFatal     Outcome = "fatal_error"
	OutcomeTimeout   Outcome = "timeout"
)

// Request is the uniform invocation envelope.
type Request struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	// IdempotencyKey is derived by the caller; when empty the client
	// derives it from the tenant, tool name, and canonical arguments.
	IdempotencyKey string `json:"idempotency_key"`
	RequestID      string `json:"request_id"`
	Tenant         string `json:"tenant"`
	// Actor is the principal the call runs on behalf of; it must hold
	// can_execute on the tool when the client carries an oracle.
	Actor string `json:"actor"`
	// Deadline is the absolute bound for the whole invocation including
	// retries; zero means the context governs alone.
	Deadline time.Time `json:"-"`
}

// Response is the uniform result envelope.
type Response struct {
	Outcome Outcome        `json:"outcome"`
	Value   map[string]any `json:"value,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// InvocationRecord captures one attempt for audit and at-most-once
// enforcement.
type InvocationRecord struct {
	RequestID      string        `json:"request_id"`
	ToolName       string        `json:"tool_name"`
	ArgumentsHash  string        `json:"arguments_hash"`
	IdempotencyKey string        `json:"idempotency_key"`
	Attempt        int           `json:"attempt"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Outcome        Outcome       `json:"outcome"`
	ResponseHash   string        `json:"response_hash,omitempty"`
}

// DefaultIdempotencyTTL is the cache lifetime for tool responses.
const DefaultIdempotencyTTL = 24 * time.Hour

// Binding declares one tool from the Instance Manifest.
type Binding struct {
	// Name is the namespaced tool name ("tasks.create_story") or a bare
	// namespace ("tasks") that routes every "tasks.*" call.
	Name string
	// Endpoint is the resolved tool-server base URL.
	Endpoint string
	// ArgumentSchema is the raw JSON schema for arguments; nil skips
	// validation.
	ArgumentSchema []byte
	// AuthToken, when set, is sent to the tool server as a bearer token.
	AuthToken string
	// IdempotencyTTL overrides DefaultIdempotencyTTL when positive.
	IdempotencyTTL time.Duration
	// ConcurrencyCap bounds in-flight upstream calls (0 = unlimited).
	ConcurrencyCap int
	// RatePerSecond bounds the upstream call rate (0 = unlimited).
	RatePerSecond float64
}

// binding is the compiled runtime form of a Binding.
type binding struct {
	name    string
	baseURL string
	token   string
	schema  *jsonschema.Schema
	ttl     time.Duration
	sem     chan struct{} // nil when uncapped
	limiter *rate.Limiter // nil when unlimited
}

// compileBinding validates and compiles one declaration.
func compileBinding(b Binding) (*binding, error) {
	if b.Name == "" {
		return nil, fmt.Errorf("tool binding requires a name")
	}
	if b.Endpoint == "" {
		return nil, fmt.Errorf("tool binding %q requires an endpoint", b.Name)
	}
	cb := &binding{name: b.Name, baseURL: strings.TrimRight(b.Endpoint, "/"), token: b.AuthToken, ttl: b.IdempotencyTTL}
	if cb.ttl <= 0 {
		cb.ttl = DefaultIdempotencyTTL
	}
	if b.ConcurrencyCap > 0 {
		cb.sem = make(chan struct{}, b.ConcurrencyCap)
	}
	if b.RatePerSecond > 0 {
		burst := int(b.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		cb.limiter = rate.NewLimiter(rate.Limit(b.RatePerSecond), burst)
	}
	if len(b.ArgumentSchema) > 0 {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b.ArgumentSchema)))
		if err != nil {
			return nil, fmt.Errorf("tool %q: parse argument schema: %w", b.Name, err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", doc); err != nil {
			return nil, fmt.Errorf("tool %q: add schema resource: %w", b.Name, err)
		}
		schema, err := compiler.Compile("schema.json")
		if err != nil {
			return nil, fmt.Errorf("tool %q: compile argument schema: %w", b.Name, err)
		}
		cb.schema = schema
	}
	return cb, nil
}

// DeriveKey builds the idempotency key: a tenant-scoped prefix followed by
// the hash of tool name, canonical arguments, and an optional stable suffix.
// Tenant scoping keeps identical calls from different tenants distinct.
func DeriveKey(tenant, toolName string, arguments map[string]any, suffix string) (string, error) {
	canonical, err := state.CanonicalJSON(arguments)
	if err != nil {
		return "", fmt.Errorf("canonicalise arguments: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(canonical)
	if suffix != "" {
		h.Write([]byte{0})
		h.Write([]byte(suffix))
	}
	return tenant + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

// ArgumentsHash returns the hex hash of the canonical arguments, used in
// invocation records in place of the raw arguments.
func ArgumentsHash(arguments map[string]any) string {
	canonical, err := state.CanonicalJSON(arguments)
	if err != nil {
		return ""
	}
	return state.HashBytes(canonical)
}
