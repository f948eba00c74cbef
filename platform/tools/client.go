package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/observability"
	"github.com/agent-foundry/foundry-core/platform/audit"
	"github.com/agent-foundry/foundry-core/platform/authz"
	"github.com/agent-foundry/foundry-core/platform/events"
	"github.com/agent-foundry/foundry-core/platform/fault"
	"github.com/agent-foundry/foundry-core/platform/logging"
)

var tracer = otel.Tracer("foundry/tools")

// Retry policy constants.
const (
	retryBaseInterval = 200 * time.Millisecond
	retryMaxInterval  = 5 * time.Second
	retryMaxAttempts  = 3
)

// cachedResponse is one idempotency cache entry.
type cachedResponse struct {
	resp      *Response
	expiresAt time.Time
}

// Client invokes tools declared in the Instance Manifest.
type Client struct {
	bindings map[string]*binding
	http     *http.Client
	log      *audit.Log
	bus      *events.Bus
	oracle   authz.Oracle
	logger   logging.Logger

	mu    sync.RWMutex
	cache map[string]cachedResponse
	group singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithAudit sets the audit log invocation records go to.
func WithAudit(log *audit.Log) Option {
	return func(c *Client) { c.log = log }
}

// WithAuthz sets the oracle that gates every invocation on the actor's
// can_execute grant for the tool.
func WithAuthz(oracle authz.Oracle) Option {
	return func(c *Client) { c.oracle = oracle }
}

// WithBus sets the event bus tool progress events are published to.
func WithBus(b *events.Bus) Option {
	return func(c *Client) { c.bus = b }
}

// WithHTTPClient overrides the transport. Used in tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient compiles the bindings and builds a client.
func NewClient(bindings []Binding, logger logging.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		bindings: make(map[string]*binding, len(bindings)),
		http:     &http.Client{Timeout: 60 * time.Second},
		logger:   logger.Bind("component", "tools"),
		cache:    make(map[string]cachedResponse),
	}
	for _, b := range bindings {
		cb, err := compileBinding(b)
		if err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, err, "compile tool binding")
		}
		if _, dup := c.bindings[cb.name]; dup {
			return nil, fault.New(fault.KindConfiguration, "duplicate tool binding %q", cb.name)
		}
		c.bindings[cb.name] = cb
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Has reports whether a tool name resolves to a binding.
func (c *Client) Has(toolName string) bool {
	_, err := c.resolve(toolName)
	return err == nil
}

// resolve finds the binding for a possibly namespaced tool name: an exact
// match wins, otherwise the "ns" binding serves every "ns.op" call.
func (c *Client) resolve(toolName string) (*binding, error) {
	if b, ok := c.bindings[toolName]; ok {
		return b, nil
	}
	if ns, _, found := strings.Cut(toolName, "."); found {
		if b, ok := c.bindings[ns]; ok {
			return b, nil
		}
	}
	return nil, fault.New(fault.KindUnknownTool, "tool %q is not declared in the manifest", toolName)
}

// Invoke performs one tool call with at-most-once semantics.
//
// A cache hit within the idempotency TTL returns the stored response with
// no network traffic. A concurrent caller with an identical key awaits the
// in-flight invocation instead of re-invoking the tool. The upstream tool
// is expected to be idempotent for identical keys; the client never
// guarantees exactly-once across tool-server restarts.
func (c *Client) Invoke(ctx context.Context, req *Request) (*Response, error) {
	b, err := c.resolve(req.ToolName)
	if err != nil {
		return nil, c.tagged(err, req.RequestID)
	}

	if c.oracle != nil {
		object := authz.Object{Type: authz.TypeTool, ID: b.name}
		if err := authz.Require(ctx, c.oracle, c.log, req.RequestID, req.Tenant, req.Actor, authz.RelationCanExecute, object); err != nil {
			return nil, err
		}
	}

	if b.schema != nil {
		var generic any
		raw, merr := json.Marshal(req.Arguments)
		if merr == nil {
			merr = json.Unmarshal(raw, &generic)
		}
		if merr != nil {
			return nil, fault.Wrap(fault.KindArgumentValidation, merr, "encode arguments for %q", req.ToolName).WithRequest(req.RequestID)
		}
		if verr := b.schema.Validate(generic); verr != nil {
			return nil, fault.Wrap(fault.KindArgumentValidation, verr, "arguments for %q", req.ToolName).WithRequest(req.RequestID)
		}
	}

	key := req.IdempotencyKey
	if key == "" {
		key, err = DeriveKey(req.Tenant, req.ToolName, req.Arguments, "")
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "derive idempotency key").WithRequest(req.RequestID)
		}
		req.IdempotencyKey = key
	}

	if resp, ok := c.cacheGet(key); ok {
		observability.RecordToolCacheHit(req.ToolName)
		c.logger.Debug("tool_cache_hit", "request_id", req.RequestID, "tool", req.ToolName)
		return resp, nil
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		if resp, ok := c.cacheGet(key); ok {
			observability.RecordToolCacheHit(req.ToolName)
			return resp, nil
		}
		resp, err := c.invokeWithRetry(ctx, b, req, key)
		if err != nil {
			return nil, err
		}
		if resp.Outcome == OutcomeOK {
			c.cachePut(key, resp, b.ttl)
		}
		return resp, nil
	})
	if err != nil {
		// Clear the in-flight entry so a later caller re-invokes rather
		// than inheriting this request's cancellation.
		c.group.Forget(key)
		return nil, c.tagged(err, req.RequestID)
	}
	return result.(*Response), nil
}

// invokeWithRetry drives attempts under the retry policy: retriable errors
// and timeouts retry with exponential backoff capped by the remaining
// deadline; fatal errors never retry.
func (c *Client) invokeWithRetry(ctx context.Context, b *binding, req *Request, key string) (*Response, error) {
	if err := c.acquire(ctx, b); err != nil {
		return nil, err
	}
	defer c.release(b)

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(retryBaseInterval),
		backoff.WithMaxInterval(retryMaxInterval),
	)

	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		resp, err := c.attempt(ctx, b, req, key, attempt)
		if err == nil {
			switch resp.Outcome {
			case OutcomeOK, OutcomeFatal:
				return resp, nil
			case OutcomeRetriable:
				lastErr = fault.New(fault.KindRetriable, "tool %q: %s", req.ToolName, resp.Error)
			case OutcomeTimeout:
				lastErr = fault.New(fault.KindTimeout, "tool %q timed out", req.ToolName)
			}
		} else {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, fault.Wrap(fault.KindDeadlineExceeded, err, "tool %q aborted", req.ToolName)
			}
			lastErr = err
		}

		if attempt == retryMaxAttempts {
			break
		}
		wait := policy.NextBackOff()
		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(wait).After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindDeadlineExceeded, ctx.Err(), "tool %q aborted", req.ToolName)
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

// attempt performs a single upstream call and records it.
func (c *Client) attempt(ctx context.Context, b *binding, req *Request, key string, attempt int) (*Response, error) {
	ctx, span := tracer.Start(ctx, "tools.invoke")
	span.SetAttributes(
		attribute.String("foundry.tool.name", req.ToolName),
		attribute.String("foundry.request.id", req.RequestID),
		attribute.Int("foundry.tool.attempt", attempt),
	)
	defer span.End()

	if c.bus != nil {
		c.bus.Publish(events.Event{
			Kind:      events.KindToolInvoked,
			RequestID: req.RequestID,
			Tool:      req.ToolName,
		})
	}

	started := time.Now()
	resp, err := c.post(ctx, b, req)
	duration := time.Since(started)

	outcome := OutcomeRetriable
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		outcome = OutcomeTimeout
	case err != nil:
		outcome = OutcomeRetriable
	default:
		outcome = resp.Outcome
	}

	record := InvocationRecord{
		RequestID:      req.RequestID,
		ToolName:       req.ToolName,
		ArgumentsHash:  ArgumentsHash(req.Arguments),
		IdempotencyKey: key,
		Attempt:        attempt,
		StartedAt:      started.UTC(),
		Duration:       duration,
		Outcome:        outcome,
	}
	if resp != nil && resp.Value != nil {
		if h, herr := state.ContentHash(resp.Value); herr == nil {
			record.ResponseHash = h
		}
	}
	c.record(req, record)
	observability.RecordToolCall(req.ToolName, string(outcome), int(duration.Milliseconds()))

	if c.bus != nil {
		c.bus.Publish(events.Event{
			Kind:      events.KindToolReturned,
			RequestID: req.RequestID,
			Tool:      req.ToolName,
			Outcome:   string(outcome),
		})
	}
	return resp, err
}

// post sends the envelope to the tool server.
func (c *Client) post(ctx context.Context, b *binding, req *Request) (*Response, error) {
	wire := map[string]any{
		"tool_name":       req.ToolName,
		"arguments":       req.Arguments,
		"idempotency_key": req.IdempotencyKey,
		"request_id":      req.RequestID,
		"tenant":          req.Tenant,
	}
	if deadline, ok := ctx.Deadline(); ok {
		wire["deadline_ms"] = time.Until(deadline).Milliseconds()
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode tool envelope: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/invoke", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build tool request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.token)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode >= 500:
		return &Response{Outcome: OutcomeRetriable, Error: fmt.Sprintf("tool server returned %d", httpResp.StatusCode)}, nil
	case httpResp.StatusCode >= 400:
		return &Response{Outcome: OutcomeFatal, Error: fmt.Sprintf("tool server returned %d", httpResp.StatusCode)}, nil
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode tool response: %w", err)
	}
	if resp.Outcome == "" {
		resp.Outcome = OutcomeOK
	}
	return &resp, nil
}

// acquire takes a concurrency slot and a rate token, parking the caller
// until a slot frees or the deadline elapses.
func (c *Client) acquire(ctx context.Context, b *binding) error {
	if b.sem != nil {
		select {
		case b.sem <- struct{}{}:
		case <-ctx.Done():
			return fault.Wrap(fault.KindDeadlineExceeded, ctx.Err(), "waiting for tool slot")
		}
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			c.release(b)
			return fault.Wrap(fault.KindDeadlineExceeded, err, "waiting for tool rate")
		}
	}
	return nil
}

func (c *Client) release(b *binding) {
	if b.sem != nil {
		select {
		case <-b.sem:
		default:
		}
	}
}

func (c *Client) cacheGet(key string) (*Response, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.resp, true
}

func (c *Client) cachePut(key string, resp *Response, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cachedResponse{resp: resp, expiresAt: time.Now().Add(ttl)}
}

// record writes the invocation record to the audit log. Fatal outcomes are
// recorded under tool.fatal so they are never dropped under buffer
// pressure.
func (c *Client) record(req *Request, rec InvocationRecord) {
	if c.log == nil {
		return
	}
	action := audit.ActionToolInvoke
	if rec.Outcome == OutcomeFatal {
		action = audit.ActionToolFatal
	}
	outcome := audit.OutcomeOK
	switch rec.Outcome {
	case OutcomeTimeout:
		outcome = audit.OutcomeTimeout
	case OutcomeRetriable, OutcomeFatal:
		outcome = audit.OutcomeError
	}
	c.log.Record(audit.Entry{
		RequestID:    rec.RequestID,
		Tenant:       req.Tenant,
		Actor:        req.Actor,
		Action:       action,
		ResourceType: "tool",
		ResourceID:   rec.ToolName,
		Outcome:      outcome,
		Metadata: map[string]any{
			"arguments_hash":  rec.ArgumentsHash,
			"idempotency_key": rec.IdempotencyKey,
			"attempt":         rec.Attempt,
			"duration_ms":     rec.Duration.Milliseconds(),
			"response_hash":   rec.ResponseHash,
		},
	})
}

func (c *Client) tagged(err error, requestID string) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.WithRequest(requestID)
	}
	return fault.Wrap(fault.KindInternal, err, "tool invocation failed").WithRequest(requestID)
}
