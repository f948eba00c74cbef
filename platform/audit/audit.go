// Package audit provides the append-only audit log.
//
// Writes are asynchronous with bounded buffering: a Record call enqueues the
// entry and a dedicated flusher task batches writes to the sink every
// FlushInterval. On overflow the oldest non-critical entries are dropped and
// a metric is emitted; entries for auth denials, secret access, and fatal
// tool outcomes are never dropped.
package audit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agent-foundry/foundry-core/observability"
	"github.com/agent-foundry/foundry-core/platform/logging"
)

// Actions recorded by the runtime.
const (
	ActionToolInvoke     = "tool.invoke"
	ActionToolFatal      = "tool.fatal"
	ActionAuthCheck      = "auth.check"
	ActionAuthDeny       = "auth.deny"
	ActionSecretGet      = "secret.get"
	ActionSecretPut      = "secret.put"
	ActionSecretStatus   = "secret.status"
	ActionGovernanceDeny = "governance.deny"
	ActionGraphComplete  = "graph.complete"
	ActionVersionCommit  = "version.commit"
	ActionVersionRestore = "version.restore"
)

// Outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Entry is one audit record. Metadata may contain hashes of inputs and
// outputs but never plaintext secrets or bulk content.
type Entry struct {
	Timestamp    time.Time      `json:"timestamp"`
	Sequence     uint64         `json:"sequence"`
	RequestID    string         `json:"request_id"`
	Tenant       string         `json:"tenant"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Outcome      string         `json:"outcome"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// critical reports whether an entry may never be dropped.
func critical(action string) bool {
	return action == ActionAuthDeny ||
		action == ActionToolFatal ||
		strings.HasPrefix(action, "secret.")
}

// Sink persists batches of audit entries.
type Sink interface {
	WriteBatch(ctx context.Context, entries []Entry) error
}

// DefaultBufferSize bounds the in-memory audit queue.
const DefaultBufferSize = 4096

// DefaultFlushInterval is the flusher batching period.
const DefaultFlushInterval = 100 * time.Millisecond

// Log is the asynchronous audit writer.
type Log struct {
	sink          Sink
	logger        logging.Logger
	bufferSize    int
	flushInterval time.Duration

	mu  sync.Mutex
	buf []Entry
	seq atomic.Uint64

	wake chan struct{}
	done chan struct{}
}

// Option configures a Log.
type Option func(*Log)

// WithBufferSize overrides the buffer bound.
func WithBufferSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.bufferSize = n
		}
	}
}

// WithFlushInterval overrides the flusher period.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

// NewLog creates an audit log writing to sink. Call Run to start the
// flusher and Close to drain on shutdown.
func NewLog(sink Sink, logger logging.Logger, opts ...Option) *Log {
	l := &Log{
		sink:          sink,
		logger:        logger.Bind("component", "audit"),
		bufferSize:    DefaultBufferSize,
		flushInterval: DefaultFlushInterval,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record enqueues an entry. Timestamp and sequence are assigned here so
// entries for a single request are totally ordered by request_id + sequence.
// Record never blocks the caller.
func (l *Log) Record(e Entry) {
	e.Timestamp = time.Now().UTC()
	e.Sequence = l.seq.Add(1)

	l.mu.Lock()
	if len(l.buf) >= l.bufferSize {
		if !l.evictOldestNonCritical() {
			if !critical(e.Action) {
				// Full of critical entries: the non-critical newcomer loses.
				l.mu.Unlock()
				observability.RecordAuditDrop()
				return
			}
		}
	}
	l.buf = append(l.buf, e)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// evictOldestNonCritical drops the oldest droppable entry.
// Caller holds the mutex.
func (l *Log) evictOldestNonCritical() bool {
	for i, e := range l.buf {
		if !critical(e.Action) {
			l.buf = append(l.buf[:i], l.buf[i+1:]...)
			observability.RecordAuditDrop()
			return true
		}
	}
	return false
}

// Run drives the flusher until ctx is done, then drains within the grace
// period.
func (l *Log) Run(ctx context.Context, grace time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), grace)
			l.flush(drainCtx)
			cancel()
			return
		case <-ticker.C:
			l.flush(ctx)
		case <-l.wake:
			l.flush(ctx)
		}
	}
}

// Wait blocks until Run has returned.
func (l *Log) Wait() {
	<-l.done
}

func (l *Log) flush(ctx context.Context) {
	l.mu.Lock()
	if len(l.buf) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.buf
	l.buf = nil
	l.mu.Unlock()

	if err := l.sink.WriteBatch(ctx, batch); err != nil {
		l.logger.Error("audit_flush_failed", "error", err.Error(), "batch_size", len(batch))
		// Requeue so critical entries are not lost on a transient sink error.
		// Criticals may transiently push the buffer over its bound.
		l.mu.Lock()
		l.buf = append(batch, l.buf...)
		for len(l.buf) > l.bufferSize {
			if !l.evictOldestNonCritical() {
				break
			}
		}
		l.mu.Unlock()
	}
}
