// Package session provides per-conversation ephemeral state (drafts, TTL)
// and committed immutable versions (content-hashed).
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agent-foundry/foundry-core/observability"
	"github.com/agent-foundry/foundry-core/platform/fault"
	"github.com/agent-foundry/foundry-core/platform/logging"
)

// DraftTTL is the draft lifetime from last write.
const DraftTTL = 24 * time.Hour

// DraftStore holds ephemeral state snapshots. Writes overwrite; there is
// no history. Keys expire DraftTTL after the last write.
type DraftStore interface {
	// Save stores a snapshot under a scoped key, resetting its TTL.
	Save(ctx context.Context, scope, key string, snapshot []byte) error
	// Load returns the snapshot, or a NotFound fault.
	Load(ctx context.Context, scope, key string) ([]byte, error)
	// List returns the keys under a scope.
	List(ctx context.Context, scope string) ([]string, error)
	// Delete removes a draft; deleting a missing draft is a no-op.
	Delete(ctx context.Context, scope, key string) error
}

// draftKey builds the persisted key layout draft:{scope}:{key}.
func draftKey(scope, key string) string {
	return fmt.Sprintf("draft:%s:%s", scope, key)
}

// RedisDrafts is the Redis-backed draft store. Expiry is native: every
// write sets the TTL, so no sweeper is needed.
type RedisDrafts struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisDrafts creates a Redis draft store.
func NewRedisDrafts(rdb *redis.Client) *RedisDrafts {
	return &RedisDrafts{rdb: rdb, ttl: DraftTTL}
}

// Save implements DraftStore.
func (s *RedisDrafts) Save(ctx context.Context, scope, key string, snapshot []byte) error {
	if err := s.rdb.Set(ctx, draftKey(scope, key), snapshot, s.ttl).Err(); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// Load implements DraftStore.
func (s *RedisDrafts) Load(ctx context.Context, scope, key string) ([]byte, error) {
	raw, err := s.rdb.Get(ctx, draftKey(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fault.New(fault.KindNotFound, "draft %s/%s not found", scope, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}
	return raw, nil
}

// List implements DraftStore.
func (s *RedisDrafts) List(ctx context.Context, scope string) ([]string, error) {
	prefix := draftKey(scope, "")
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	return keys, nil
}

// Delete implements DraftStore.
func (s *RedisDrafts) Delete(ctx context.Context, scope, key string) error {
	if err := s.rdb.Del(ctx, draftKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

var _ DraftStore = (*RedisDrafts)(nil)

// memoryDraft is one stored snapshot with its expiry.
type memoryDraft struct {
	snapshot  []byte
	expiresAt time.Time
}

// MemoryDrafts is the in-memory draft store used by tests and local
// single-process deployments. Expiry is driven by the background sweeper.
type MemoryDrafts struct {
	mu     sync.RWMutex
	drafts map[string]memoryDraft
	ttl    time.Duration
	clock  func() time.Time
}

// NewMemoryDrafts creates an empty in-memory draft store.
func NewMemoryDrafts() *MemoryDrafts {
	return &MemoryDrafts{
		drafts: make(map[string]memoryDraft),
		ttl:    DraftTTL,
		clock:  time.Now,
	}
}

// SetClock overrides the time source. Test helper.
func (s *MemoryDrafts) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Save implements DraftStore.
func (s *MemoryDrafts) Save(_ context.Context, scope, key string, snapshot []byte) error {
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[draftKey(scope, key)] = memoryDraft{snapshot: cp, expiresAt: s.clock().Add(s.ttl)}
	return nil
}

// Load implements DraftStore.
func (s *MemoryDrafts) Load(_ context.Context, scope, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drafts[draftKey(scope, key)]
	if !ok || s.clock().After(d.expiresAt) {
		return nil, fault.New(fault.KindNotFound, "draft %s/%s not found", scope, key)
	}
	return d.snapshot, nil
}

// List implements DraftStore.
func (s *MemoryDrafts) List(_ context.Context, scope string) ([]string, error) {
	prefix := draftKey(scope, "")
	now := s.clock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, d := range s.drafts {
		if strings.HasPrefix(k, prefix) && now.Before(d.expiresAt) {
			keys = append(keys, strings.TrimPrefix(k, prefix))
		}
	}
	return keys, nil
}

// Delete implements DraftStore.
func (s *MemoryDrafts) Delete(_ context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, draftKey(scope, key))
	return nil
}

// SweepExpired evicts expired drafts and returns the eviction count.
func (s *MemoryDrafts) SweepExpired(_ context.Context) (int, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for k, d := range s.drafts {
		if now.After(d.expiresAt) {
			delete(s.drafts, k)
			evicted++
		}
	}
	return evicted, nil
}

var _ DraftStore = (*MemoryDrafts)(nil)

// Sweepable is implemented by draft stores needing an explicit sweep.
type Sweepable interface {
	SweepExpired(ctx context.Context) (int, error)
}

// SweepInterval is the background eviction period.
const SweepInterval = 60 * time.Second

// Sweeper evicts expired drafts on a fixed interval.
type Sweeper struct {
	store    Sweepable
	name     string
	interval time.Duration
	logger   logging.Logger
	done     chan struct{}
}

// NewSweeper creates a sweeper over a sweepable store.
func NewSweeper(store Sweepable, name string, logger logging.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		name:     name,
		interval: SweepInterval,
		logger:   logger.Bind("component", "draft_sweeper"),
		done:     make(chan struct{}),
	}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, err := s.store.SweepExpired(ctx)
			if err != nil {
				s.logger.Warn("draft_sweep_failed", "error", err.Error())
				continue
			}
			observability.RecordDraftSweep(s.name)
			if evicted > 0 {
				s.logger.Info("drafts_swept", "evicted", evicted)
			}
		}
	}
}

// Wait blocks until Run has returned.
func (s *Sweeper) Wait() {
	<-s.done
}
