package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-foundry/foundry-core/platform/logging"
)

// ==== TEST HELPERS ====

// blockingSink fails until released, then behaves like a memory sink.
type blockingSink struct {
	mu       sync.Mutex
	failing  bool
	entries  []Entry
	attempts int
}

func (s *blockingSink) WriteBatch(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failing {
		return fmt.Errorf("sink unavailable")
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *blockingSink) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = false
}

// hookSink runs a callback at the top of every write attempt.
type hookSink struct {
	blockingSink
	onAttempt func()
}

func (s *hookSink) WriteBatch(ctx context.Context, entries []Entry) error {
	if s.onAttempt != nil {
		s.onAttempt()
	}
	return s.blockingSink.WriteBatch(ctx, entries)
}

func (s *blockingSink) stored() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

func startLog(t *testing.T, sink Sink, opts ...Option) (*Log, context.CancelFunc) {
	t.Helper()
	log := NewLog(sink, logging.Nop(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go log.Run(ctx, time.Second)
	t.Cleanup(func() {
		cancel()
		log.Wait()
	})
	return log, cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// ==== LOG TESTS ====

func TestRecordFlushes(t *testing.T) {
	sink := NewMemorySink()
	log, _ := startLog(t, sink, WithFlushInterval(10*time.Millisecond))

	log.Record(Entry{RequestID: "req_1", Tenant: "acme", Action: ActionToolInvoke, Outcome: OutcomeOK})
	log.Record(Entry{RequestID: "req_1", Tenant: "acme", Action: ActionGraphComplete, Outcome: OutcomeOK})

	waitFor(t, func() bool { return sink.Count() == 2 })

	entries := sink.All()
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Timestamp.IsZero())
	// Sequence numbers totally order entries within a request.
	assert.Less(t, entries[0].Sequence, entries[1].Sequence)
}

func TestBufferOverflowDropsOldestNonCritical(t *testing.T) {
	// The flusher stays parked until every entry is recorded, so the
	// eviction decisions are deterministic.
	sink := &blockingSink{}
	log := NewLog(sink, logging.Nop(), WithBufferSize(3), WithFlushInterval(time.Hour))

	log.Record(Entry{RequestID: "old", Action: ActionToolInvoke})
	log.Record(Entry{RequestID: "deny", Action: ActionAuthDeny})
	log.Record(Entry{RequestID: "mid", Action: ActionGraphComplete})
	// Over capacity: the oldest non-critical entry (req old) is evicted.
	log.Record(Entry{RequestID: "new", Action: ActionToolInvoke})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	go log.Run(ctx, time.Second)
	log.Wait()

	byRequest := map[string]bool{}
	for _, e := range sink.stored() {
		byRequest[e.RequestID] = true
	}
	assert.False(t, byRequest["old"], "oldest non-critical entry should be dropped")
	assert.True(t, byRequest["deny"], "critical entry must survive overflow")
	assert.True(t, byRequest["mid"])
	assert.True(t, byRequest["new"])
}

func TestCriticalEntriesNeverDropped(t *testing.T) {
	sink := &blockingSink{}
	log := NewLog(sink, logging.Nop(), WithBufferSize(2), WithFlushInterval(time.Hour))

	log.Record(Entry{RequestID: "a", Action: ActionSecretGet})
	log.Record(Entry{RequestID: "b", Action: ActionAuthDeny})
	// Buffer holds only critical entries; a non-critical newcomer loses.
	log.Record(Entry{RequestID: "c", Action: ActionToolInvoke})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	go log.Run(ctx, time.Second)
	log.Wait()

	byRequest := map[string]bool{}
	for _, e := range sink.stored() {
		byRequest[e.RequestID] = true
	}
	assert.True(t, byRequest["a"])
	assert.True(t, byRequest["b"])
	assert.False(t, byRequest["c"], "newcomer should lose to buffered critical entries")
}

func TestFlushRetriesAfterSinkError(t *testing.T) {
	sink := &blockingSink{failing: true}
	log, _ := startLog(t, sink, WithFlushInterval(10*time.Millisecond))

	log.Record(Entry{RequestID: "req", Action: ActionSecretPut, Outcome: OutcomeDenied})

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.attempts > 1
	})
	sink.release()
	waitFor(t, func() bool { return len(sink.stored()) == 1 })
}

func TestFailedFlushRequeueKeepsCriticals(t *testing.T) {
	sink := &hookSink{blockingSink: blockingSink{failing: true}}
	log := NewLog(sink, logging.Nop(), WithBufferSize(2), WithFlushInterval(time.Hour))

	log.Record(Entry{RequestID: "stale", Action: ActionToolInvoke})
	log.Record(Entry{RequestID: "deny1", Action: ActionAuthDeny})
	// More criticals land while the sink is rejecting the in-flight batch,
	// so the requeue overflows the buffer.
	sink.onAttempt = func() {
		sink.onAttempt = nil
		log.Record(Entry{RequestID: "deny2", Action: ActionAuthDeny})
		log.Record(Entry{RequestID: "deny3", Action: ActionAuthDeny})
	}
	log.flush(context.Background())

	sink.release()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	go log.Run(ctx, time.Second)
	log.Wait()

	byRequest := map[string]bool{}
	for _, e := range sink.stored() {
		byRequest[e.RequestID] = true
	}
	assert.False(t, byRequest["stale"], "non-critical entry yields its slot on requeue")
	assert.True(t, byRequest["deny1"], "critical entries must survive a failed flush")
	assert.True(t, byRequest["deny2"], "critical entries must survive a failed flush")
	assert.True(t, byRequest["deny3"], "critical entries must survive a failed flush")
}

func TestDrainOnShutdown(t *testing.T) {
	sink := NewMemorySink()
	log, cancel := startLog(t, sink, WithFlushInterval(time.Hour))

	log.Record(Entry{RequestID: "req", Action: ActionGraphComplete})
	cancel()
	log.Wait()

	assert.Equal(t, 1, sink.Count(), "pending entries must flush during shutdown grace")
}

// ==== QUERY TESTS ====

func seedSink(t *testing.T) *MemorySink {
	t.Helper()
	sink := NewMemorySink()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Timestamp: base, Tenant: "acme", Actor: "user:alice", Action: ActionToolInvoke,
			Metadata: map[string]any{"arguments": map[string]any{"q": "secret text"}, "tool": "search"}},
		{Timestamp: base.Add(time.Minute), Tenant: "acme", Actor: "user:bob", Action: ActionSecretGet},
		{Timestamp: base.Add(2 * time.Minute), Tenant: "globex", Actor: "user:carol", Action: ActionToolInvoke},
	}
	require.NoError(t, sink.WriteBatch(context.Background(), entries))
	return sink
}

func TestQueryFilters(t *testing.T) {
	sink := seedSink(t)

	t.Run("by tenant", func(t *testing.T) {
		got, total := sink.Query(Filter{Tenant: "acme"})
		assert.Equal(t, 2, total)
		assert.Len(t, got, 2)
	})

	t.Run("by actor and action", func(t *testing.T) {
		got, total := sink.Query(Filter{Actor: "user:alice", Action: ActionToolInvoke})
		require.Equal(t, 1, total)
		assert.Equal(t, "acme", got[0].Tenant)
	})

	t.Run("by time window", func(t *testing.T) {
		from := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
		_, total := sink.Query(Filter{From: from})
		assert.Equal(t, 2, total)
	})
}

func TestQueryRedactsMetadata(t *testing.T) {
	sink := seedSink(t)

	got, _ := sink.Query(Filter{Actor: "user:alice"})
	require.Len(t, got, 1)
	assert.Equal(t, "[redacted]", got[0].Metadata["arguments"])
	assert.Equal(t, "search", got[0].Metadata["tool"])

	// Stored entries stay raw for forensics.
	raw := sink.All()
	_, isMap := raw[0].Metadata["arguments"].(map[string]any)
	assert.True(t, isMap, "stored metadata must not be redacted in place")
}

func TestQueryPagination(t *testing.T) {
	sink := NewMemorySink()
	var entries []Entry
	for i := 0; i < 25; i++ {
		entries = append(entries, Entry{Tenant: "acme", Action: ActionToolInvoke})
	}
	require.NoError(t, sink.WriteBatch(context.Background(), entries))

	page1, total := sink.Query(Filter{Tenant: "acme", Page: 1, PerPage: 10})
	assert.Equal(t, 25, total)
	assert.Len(t, page1, 10)

	page3, _ := sink.Query(Filter{Tenant: "acme", Page: 3, PerPage: 10})
	assert.Len(t, page3, 5)

	beyond, _ := sink.Query(Filter{Tenant: "acme", Page: 4, PerPage: 10})
	assert.Empty(t, beyond)
}
