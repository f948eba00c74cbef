// Package secrets provides scoped retrieval of secret values from the
// secret store collaborator.
//
// Paths are deterministic: env/tenant[/domain]/name. The write path is
// blind: Put never returns the value, and no externally reachable path
// exposes Get (external clients may only call Status). Secret values are
// never placed in audit entries, draft snapshots, or trace events.
package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agent-foundry/foundry-core/platform/audit"
	"github.com/agent-foundry/foundry-core/platform/authz"
	"github.com/agent-foundry/foundry-core/platform/fault"
	"github.com/agent-foundry/foundry-core/platform/logging"
	"github.com/agent-foundry/foundry-core/platform/registry"
)

// retryBudget bounds the total time spent retrying a transient failure.
const retryBudget = 3 * time.Second

// Status describes whether a secret is configured, without exposing it.
type Status struct {
	Configured  bool      `json:"configured"`
	LastRotated time.Time `json:"last_rotated,omitempty"`
}

// Client talks to the secret store collaborator.
type Client struct {
	baseURL string
	env     string
	http    *http.Client
	oracle  authz.Oracle
	log     *audit.Log
	logger  logging.Logger
}

// NewClient resolves the secret store endpoint from the service registry.
// The oracle gates the write path; it must not be nil.
func NewClient(reg *registry.Registry, env string, oracle authz.Oracle, log *audit.Log, logger logging.Logger) (*Client, error) {
	ep, err := reg.Resolve(registry.ServiceSecrets)
	if err != nil {
		return nil, err
	}
	if oracle == nil {
		return nil, fault.New(fault.KindConfiguration, "secrets client requires an authorization oracle")
	}
	return &Client{
		baseURL: ep.URL(),
		env:     env,
		http:    &http.Client{Timeout: 5 * time.Second},
		oracle:  oracle,
		log:     log,
		logger:  logger.Bind("component", "secrets"),
	}, nil
}

// Path builds the deterministic secret path env/tenant[/domain]/name.
func Path(env, tenant, domain, name string) string {
	if domain == "" {
		return fmt.Sprintf("%s/%s/%s", env, tenant, name)
	}
	return fmt.Sprintf("%s/%s/%s/%s", env, tenant, domain, name)
}

// secretObject is the authorization object for a secret path.
func secretObject(path string) authz.Object {
	return authz.Object{Type: authz.TypeSecret, ID: path}
}

// Get retrieves a secret value. Internal callers only; a get must be
// preceded by a successful can_read check, enforced here.
func (c *Client) Get(ctx context.Context, requestID, actor, tenant, domain, name string) (string, error) {
	path := Path(c.env, tenant, domain, name)
	if err := authz.Require(ctx, c.oracle, c.log, requestID, tenant, actor, authz.RelationCanRead, secretObject(path)); err != nil {
		return "", err
	}

	var value string
	op := func() error {
		resp, err := c.do(ctx, http.MethodGet, "/v1/secrets/"+url.PathEscape(path)+"/value", nil)
		if err != nil {
			return err // network errors are retriable
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			var body struct {
				Value string `json:"value"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return backoff.Permanent(fmt.Errorf("decode secret response: %w", err))
			}
			value = body.Value
			return nil
		case http.StatusNotFound:
			return backoff.Permanent(fault.New(fault.KindNotFound, "secret %q not found", path))
		default:
			return fmt.Errorf("secret store returned %d", resp.StatusCode)
		}
	}
	if err := c.retry(ctx, op); err != nil {
		c.audit(requestID, tenant, actor, audit.ActionSecretGet, path, audit.OutcomeError)
		return "", c.classify(err, requestID)
	}
	c.audit(requestID, tenant, actor, audit.ActionSecretGet, path, audit.OutcomeOK)
	return value, nil
}

// Put writes a secret value. The write is blind: nothing of the value is
// returned or logged. A denied check never reaches the backend.
func (c *Client) Put(ctx context.Context, requestID, actor, tenant, domain, name, value string) error {
	path := Path(c.env, tenant, domain, name)
	if err := authz.Require(ctx, c.oracle, c.log, requestID, tenant, actor, authz.RelationCanUpdate, secretObject(path)); err != nil {
		c.audit(requestID, tenant, actor, audit.ActionSecretPut, path, audit.OutcomeDenied)
		return err
	}

	payload, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "encode secret payload").WithRequest(requestID)
	}
	op := func() error {
		resp, err := c.do(ctx, http.MethodPut, "/v1/secrets/"+url.PathEscape(path)+"/value", payload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return fmt.Errorf("secret store returned %d", resp.StatusCode)
		}
		return nil
	}
	if err := c.retry(ctx, op); err != nil {
		c.audit(requestID, tenant, actor, audit.ActionSecretPut, path, audit.OutcomeError)
		return c.classify(err, requestID)
	}
	c.audit(requestID, tenant, actor, audit.ActionSecretPut, path, audit.OutcomeOK)
	return nil
}

// Status reports whether a secret is configured. This is the only
// externally callable read.
func (c *Client) Status(ctx context.Context, requestID, actor, tenant, domain, name string) (Status, error) {
	path := Path(c.env, tenant, domain, name)

	var st Status
	op := func() error {
		resp, err := c.do(ctx, http.MethodGet, "/v1/secrets/"+url.PathEscape(path), nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return backoff.Permanent(fmt.Errorf("decode status response: %w", err))
			}
			return nil
		case http.StatusNotFound:
			st = Status{Configured: false}
			return nil
		default:
			return fmt.Errorf("secret store returned %d", resp.StatusCode)
		}
	}
	if err := c.retry(ctx, op); err != nil {
		return Status{}, c.classify(err, requestID)
	}
	c.audit(requestID, tenant, actor, audit.ActionSecretStatus, path, audit.OutcomeOK)
	return st, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// retry runs op with jittered exponential backoff within the retry budget.
func (c *Client) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(retryBudget),
	)
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

// classify keeps NotFound and Unauthorized faults as-is and treats
// anything else as an exhausted retriable failure.
func (c *Client) classify(err error, requestID string) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.WithRequest(requestID)
	}
	return fault.Wrap(fault.KindRetriable, err, "secret store unavailable").WithRequest(requestID)
}

// audit records metadata only; the value never appears.
func (c *Client) audit(requestID, tenant, actor, action, path, outcome string) {
	if c.log == nil {
		return
	}
	c.log.Record(audit.Entry{
		RequestID:    requestID,
		Tenant:       tenant,
		Actor:        actor,
		Action:       action,
		ResourceType: string(authz.TypeSecret),
		ResourceID:   path,
		Outcome:      outcome,
	})
}
