package session

import (
	"context"

	"github.com/agent-foundry/foundry-core/platform/audit"
	"github.com/agent-foundry/foundry-core/platform/authz"
)

// GuardedVersions wraps a VersionStore with authorization checks and
// audit records for mutating operations. Commit and restore are gated
// on can_update; reads pass through, callers gate those at the channel
// boundary where the acting identity is known.
type GuardedVersions struct {
	inner  VersionStore
	oracle authz.Oracle
	log    *audit.Log
	tenant string
}

// NewGuardedVersions wires the checks around an existing store.
func NewGuardedVersions(inner VersionStore, oracle authz.Oracle, log *audit.Log, tenant string) *GuardedVersions {
	return &GuardedVersions{inner: inner, oracle: oracle, log: log, tenant: tenant}
}

func (g *GuardedVersions) require(ctx context.Context, actor string, rel authz.Relation, graphID string) error {
	obj := authz.Object{Type: authz.TypeAgent, ID: graphID}
	return authz.Require(ctx, g.oracle, g.log, "", g.tenant, actor, rel, obj)
}

// Commit implements VersionStore.
func (g *GuardedVersions) Commit(ctx context.Context, graphID string, snapshot []byte, message, actor string) (Version, error) {
	if err := g.require(ctx, actor, authz.RelationCanUpdate, graphID); err != nil {
		return Version{}, err
	}
	v, err := g.inner.Commit(ctx, graphID, snapshot, message, actor)
	outcome := audit.OutcomeOK
	if err != nil {
		outcome = audit.OutcomeError
	}
	g.log.Record(audit.Entry{
		Tenant:       g.tenant,
		Actor:        actor,
		Action:       audit.ActionVersionCommit,
		ResourceType: string(authz.TypeAgent),
		ResourceID:   graphID,
		Outcome:      outcome,
		Metadata:     map[string]any{"content_hash": v.ContentHash, "version": v.Version},
	})
	return v, err
}

// ListVersions implements VersionStore.
func (g *GuardedVersions) ListVersions(ctx context.Context, graphID string, limit int) ([]Version, error) {
	return g.inner.ListVersions(ctx, graphID, limit)
}

// Get implements VersionStore.
func (g *GuardedVersions) Get(ctx context.Context, graphID string, version int) ([]byte, error) {
	return g.inner.Get(ctx, graphID, version)
}

// Restore implements VersionStore.
func (g *GuardedVersions) Restore(ctx context.Context, graphID string, version int, actor string) (Version, error) {
	if err := g.require(ctx, actor, authz.RelationCanUpdate, graphID); err != nil {
		return Version{}, err
	}
	v, err := g.inner.Restore(ctx, graphID, version, actor)
	outcome := audit.OutcomeOK
	if err != nil {
		outcome = audit.OutcomeError
	}
	g.log.Record(audit.Entry{
		Tenant:       g.tenant,
		Actor:        actor,
		Action:       audit.ActionVersionRestore,
		ResourceType: string(authz.TypeAgent),
		ResourceID:   graphID,
		Outcome:      outcome,
		Metadata:     map[string]any{"restored_version": version, "new_version": v.Version},
	})
	return v, err
}

var _ VersionStore = (*GuardedVersions)(nil)
