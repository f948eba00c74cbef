package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agent-foundry/foundry-core/observability"
	"github.com/agent-foundry/foundry-core/platform/registry"
)

// Client is the HTTP Oracle backed by the authorization collaborator.
// The runtime uses only the check and list_objects endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient resolves the authz endpoint from the service registry.
func NewClient(reg *registry.Registry) (*Client, error) {
	ep, err := reg.Resolve(registry.ServiceAuthz)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: ep.URL(),
		http:    &http.Client{Timeout: 5 * time.Second},
	}, nil
}

type checkRequest struct {
	Actor    string `json:"actor"`
	Relation string `json:"relation"`
	Object   Object `json:"object"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

// Check implements Oracle.
func (c *Client) Check(ctx context.Context, actor string, relation Relation, object Object) (bool, error) {
	if err := validate(actor, object); err != nil {
		return false, err
	}
	var resp checkResponse
	err := c.post(ctx, "/v1/check", checkRequest{
		Actor:    actor,
		Relation: string(relation),
		Object:   object,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Allowed, nil
}

type listRequest struct {
	Actor    string `json:"actor"`
	Relation string `json:"relation"`
	Type     string `json:"type"`
}

type listResponse struct {
	Objects []Object `json:"objects"`
}

// ListObjects implements Oracle.
func (c *Client) ListObjects(ctx context.Context, actor string, relation Relation, objType ObjectType) ([]Object, error) {
	var resp listResponse
	err := c.post(ctx, "/v1/list_objects", listRequest{
		Actor:    actor,
		Relation: string(relation),
		Type:     string(objType),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal authz request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build authz request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("authz request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authz %s returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode authz response: %w", err)
	}
	return nil
}

var _ Oracle = (*Client)(nil)

// MaxCacheTTL caps the check-result cache TTL.
const MaxCacheTTL = 60 * time.Second

// cacheEntry is one cached check result.
type cacheEntry struct {
	allowed   bool
	expiresAt time.Time
}

// CachedOracle wraps an Oracle with a TTL cache on point checks.
// The cache key includes the actor, so there is no cross-actor leak.
type CachedOracle struct {
	inner Oracle
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewCached wraps inner with a TTL cache. TTLs above MaxCacheTTL are
// clamped.
func NewCached(inner Oracle, ttl time.Duration) *CachedOracle {
	if ttl <= 0 || ttl > MaxCacheTTL {
		ttl = MaxCacheTTL
	}
	return &CachedOracle{
		inner: inner,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// Check implements Oracle with caching. The lock is not held across the
// inner check, so concurrent misses on the same key may both hit the
// backend; both store the same answer.
func (c *CachedOracle) Check(ctx context.Context, actor string, relation Relation, object Object) (bool, error) {
	key := actor + "|" + string(relation) + "|" + object.Key()
	now := time.Now()

	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		observability.RecordAuthCacheLookup(true)
		return entry.allowed, nil
	}
	observability.RecordAuthCacheLookup(false)

	allowed, err := c.inner.Check(ctx, actor, relation, object)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{allowed: allowed, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return allowed, nil
}

// ListObjects delegates without caching; it serves UI filtering only.
func (c *CachedOracle) ListObjects(ctx context.Context, actor string, relation Relation, objType ObjectType) ([]Object, error) {
	return c.inner.ListObjects(ctx, actor, relation, objType)
}

var _ Oracle = (*CachedOracle)(nil)
