package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/platform/fault"
)

// Version is one committed, immutable snapshot of a graph.
type Version struct {
	GraphID     string    `json:"graph_id"`
	Version     int       `json:"version"`
	ContentHash string    `json:"content_hash"`
	ParentHash  string    `json:"parent_hash,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
	CommittedBy string    `json:"committed_by"`
	Message     string    `json:"message,omitempty"`
}

// VersionStore persists committed graph versions. Version numbers are
// strictly increasing per graph; committing an already-stored content
// hash is idempotent, while restores always append.
type VersionStore interface {
	// Commit stores a snapshot and returns its version. Re-committing an
	// identical snapshot returns the existing version.
	Commit(ctx context.Context, graphID string, snapshot []byte, message, actor string) (Version, error)
	// ListVersions returns up to limit versions, oldest first.
	ListVersions(ctx context.Context, graphID string, limit int) ([]Version, error)
	// Get returns the snapshot of one version, or a NotFound fault.
	Get(ctx context.Context, graphID string, version int) ([]byte, error)
	// Restore re-commits an earlier snapshot as a new version whose
	// parent hash is the restored hash. Later versions are kept, and a
	// restore mints a new version even when the content already exists.
	Restore(ctx context.Context, graphID string, version int, actor string) (Version, error)
}

// PGVersions is the Postgres-backed version store over the
// graph_versions table.
type PGVersions struct {
	pool *pgxpool.Pool
}

// NewPGVersions creates a version store over an existing pool.
func NewPGVersions(pool *pgxpool.Pool) *PGVersions {
	return &PGVersions{pool: pool}
}

// Schema is the DDL for the versions table.
const Schema = `
CREATE TABLE IF NOT EXISTS graph_versions (
    graph_id     text NOT NULL,
    version      int NOT NULL,
    content_hash text NOT NULL,
    parent_hash  text NOT NULL DEFAULT '',
    committed_at timestamptz NOT NULL,
    committed_by text NOT NULL,
    message      text NOT NULL DEFAULT '',
    blob         bytea NOT NULL,
    PRIMARY KEY (graph_id, version)
)`

// Migrate creates the versions table if absent.
func (s *PGVersions) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// Commit implements VersionStore.
func (s *PGVersions) Commit(ctx context.Context, graphID string, snapshot []byte, message, actor string) (Version, error) {
	hash := state.HashBytes(snapshot)
	return s.commitHash(ctx, graphID, snapshot, hash, "", message, actor, true)
}

func (s *PGVersions) commitHash(ctx context.Context, graphID string, snapshot []byte, hash, parentHash, message, actor string, dedup bool) (Version, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Version{}, err
	}
	defer tx.Rollback(ctx)

	if dedup {
		var existing Version
		err = tx.QueryRow(ctx,
			`SELECT graph_id, version, content_hash, parent_hash, committed_at, committed_by, message
			 FROM graph_versions WHERE graph_id = $1 AND content_hash = $2
			 ORDER BY version ASC LIMIT 1`,
			graphID, hash,
		).Scan(&existing.GraphID, &existing.Version, &existing.ContentHash, &existing.ParentHash,
			&existing.CommittedAt, &existing.CommittedBy, &existing.Message)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Version{}, err
		}
	}

	v := Version{
		GraphID:     graphID,
		ContentHash: hash,
		ParentHash:  parentHash,
		CommittedAt: time.Now().UTC(),
		CommittedBy: actor,
		Message:     message,
	}
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM graph_versions WHERE graph_id = $1`,
		graphID,
	).Scan(&v.Version)
	if err != nil {
		return Version{}, err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO graph_versions (graph_id, version, content_hash, parent_hash, committed_at, committed_by, message, blob)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.GraphID, v.Version, v.ContentHash, v.ParentHash, v.CommittedAt, v.CommittedBy, v.Message, snapshot,
	)
	if err != nil {
		return Version{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Version{}, err
	}
	return v, nil
}

// ListVersions implements VersionStore.
func (s *PGVersions) ListVersions(ctx context.Context, graphID string, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT graph_id, version, content_hash, parent_hash, committed_at, committed_by, message
		 FROM graph_versions WHERE graph_id = $1 ORDER BY version ASC LIMIT $2`,
		graphID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.GraphID, &v.Version, &v.ContentHash, &v.ParentHash,
			&v.CommittedAt, &v.CommittedBy, &v.Message); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Get implements VersionStore.
func (s *PGVersions) Get(ctx context.Context, graphID string, version int) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT blob FROM graph_versions WHERE graph_id = $1 AND version = $2`,
		graphID, version,
	).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "version %d of graph %q not found", version, graphID)
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Restore implements VersionStore.
func (s *PGVersions) Restore(ctx context.Context, graphID string, version int, actor string) (Version, error) {
	blob, err := s.Get(ctx, graphID, version)
	if err != nil {
		return Version{}, err
	}
	hash := state.HashBytes(blob)
	// A restore always appends, even when the content matches an earlier
	// version, so the history records that the rollback happened.
	return s.commitHash(ctx, graphID, blob, hash, hash, "restore of version", actor, false)
}

var _ VersionStore = (*PGVersions)(nil)

// storedVersion pairs metadata with its blob for the memory store.
type storedVersion struct {
	meta Version
	blob []byte
}

// MemoryVersions is the in-memory version store used by tests and local
// single-process deployments.
type MemoryVersions struct {
	mu     sync.RWMutex
	graphs map[string][]storedVersion
}

// NewMemoryVersions creates an empty in-memory version store.
func NewMemoryVersions() *MemoryVersions {
	return &MemoryVersions{graphs: make(map[string][]storedVersion)}
}

// Commit implements VersionStore.
func (s *MemoryVersions) Commit(_ context.Context, graphID string, snapshot []byte, message, actor string) (Version, error) {
	return s.commit(graphID, snapshot, "", message, actor, true)
}

func (s *MemoryVersions) commit(graphID string, snapshot []byte, parentHash, message, actor string, dedup bool) (Version, error) {
	hash := state.HashBytes(snapshot)
	s.mu.Lock()
	defer s.mu.Unlock()

	if dedup {
		for _, sv := range s.graphs[graphID] {
			if sv.meta.ContentHash == hash {
				return sv.meta, nil
			}
		}
	}
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	v := Version{
		GraphID:     graphID,
		Version:     len(s.graphs[graphID]) + 1,
		ContentHash: hash,
		ParentHash:  parentHash,
		CommittedAt: time.Now().UTC(),
		CommittedBy: actor,
		Message:     message,
	}
	s.graphs[graphID] = append(s.graphs[graphID], storedVersion{meta: v, blob: cp})
	return v, nil
}

// ListVersions implements VersionStore.
func (s *MemoryVersions) ListVersions(_ context.Context, graphID string, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.graphs[graphID]
	out := make([]Version, 0, len(stored))
	for _, sv := range stored {
		out = append(out, sv.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get implements VersionStore.
func (s *MemoryVersions) Get(_ context.Context, graphID string, version int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sv := range s.graphs[graphID] {
		if sv.meta.Version == version {
			return sv.blob, nil
		}
	}
	return nil, fault.New(fault.KindNotFound, "version %d of graph %q not found", version, graphID)
}

// Restore implements VersionStore.
func (s *MemoryVersions) Restore(ctx context.Context, graphID string, version int, actor string) (Version, error) {
	blob, err := s.Get(ctx, graphID, version)
	if err != nil {
		return Version{}, err
	}
	hash := state.HashBytes(blob)
	// A restore always appends; see PGVersions.Restore.
	return s.commit(graphID, blob, hash, "restore of version", actor, false)
}

var _ VersionStore = (*MemoryVersions)(nil)
