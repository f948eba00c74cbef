package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileSink appends entries as JSON lines to a file. Stored entries remain
// raw for forensics; redaction happens at query time.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// NewFileSink opens (or creates) the audit file in append mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &FileSink{file: f, w: bufio.NewWriter(f)}, nil
}

// WriteBatch appends the batch and syncs.
func (s *FileSink) WriteBatch(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode audit entry: %w", err)
		}
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush audit file: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// MemorySink retains entries in memory and serves the query path.
// Used in tests and by local single-process deployments.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// WriteBatch appends the batch.
func (s *MemorySink) WriteBatch(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

// Filter selects audit entries on the query path.
type Filter struct {
	Tenant string
	Actor  string
	Action string
	From   time.Time
	To     time.Time

	// Page is 1-based; PerPage defaults to 100.
	Page    int
	PerPage int
}

// redactedMetadataKeys are stripped from metadata at query time.
var redactedMetadataKeys = map[string]bool{
	"value":     true,
	"secret":    true,
	"arguments": true,
}

// Query returns matching entries, paginated, with query-time redaction
// applied. Stored entries are never modified.
func (s *MemorySink) Query(f Filter) ([]Entry, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]Entry, 0)
	for _, e := range s.entries {
		if f.Tenant != "" && e.Tenant != f.Tenant {
			continue
		}
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		matched = append(matched, redact(e))
	}

	total := len(matched)
	perPage := f.PerPage
	if perPage <= 0 {
		perPage = 100
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * perPage
	if start >= total {
		return nil, total
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return matched[start:end], total
}

// Count returns the number of stored entries.
func (s *MemorySink) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// All returns a copy of every stored entry, unredacted. Test helper.
func (s *MemorySink) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]Entry, len(s.entries))
	copy(cp, s.entries)
	return cp
}

func redact(e Entry) Entry {
	if len(e.Metadata) == 0 {
		return e
	}
	md := make(map[string]any, len(e.Metadata))
	for k, v := range e.Metadata {
		if redactedMetadataKeys[k] {
			md[k] = "[redacted]"
			continue
		}
		md[k] = v
	}
	e.Metadata = md
	return e
}
