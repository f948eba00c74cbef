// Package authz answers "may actor A perform relation R on object O?" for
// every protected operation.
//
// The model is relationship-based: objects are typed, relations are either
// direct (owner, admin, viewer, executor) or computed (can_execute,
// can_update, can_read), and an admin of an organization inherits management
// rights over the organization's domains and their agents and secrets.
package authz

import (
	"context"
	"fmt"

	"github.com/agent-foundry/foundry-core/platform/audit"
	"github.com/agent-foundry/foundry-core/platform/fault"
)

// ObjectType is the type of a protected object.
type ObjectType string

const (
	TypeOrganization ObjectType = "organization"
	TypeDomain       ObjectType = "domain"
	TypeAgent        ObjectType = "agent"
	TypeSecret       ObjectType = "secret"
	TypeSession      ObjectType = "session"
	TypeTool         ObjectType = "tool"
)

// Relation is a direct or computed relation between an actor and an object.
type Relation string

const (
	// Direct relations.
	RelationOwner    Relation = "owner"
	RelationAdmin    Relation = "admin"
	RelationViewer   Relation = "viewer"
	RelationExecutor Relation = "executor"

	// Computed relations.
	RelationCanExecute Relation = "can_execute"
	RelationCanUpdate  Relation = "can_update"
	RelationCanRead    Relation = "can_read"
)

// Object identifies a protected object.
type Object struct {
	Type ObjectType `json:"type"`
	ID   string     `json:"id"`
}

// Key returns the object's cache-key form "type:id".
func (o Object) Key() string {
	return string(o.Type) + ":" + o.ID
}

func (o Object) String() string {
	return o.Key()
}

// Oracle answers point checks and object listings.
type Oracle interface {
	// Check reports whether actor has relation on object.
	Check(ctx context.Context, actor string, relation Relation, object Object) (bool, error)
	// ListObjects returns the objects of the given type on which actor has
	// the relation. Used for UI filtering; the runtime itself relies only
	// on point checks.
	ListObjects(ctx context.Context, actor string, relation Relation, objType ObjectType) ([]Object, error)
}

// Require performs a check, audits the outcome, and converts a denial into
// an Unauthorized fault with an opaque message.
func Require(ctx context.Context, oracle Oracle, log *audit.Log, requestID, tenant, actor string, relation Relation, object Object) error {
	allowed, err := oracle.Check(ctx, actor, relation, object)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "authorization check failed").WithRequest(requestID)
	}
	if !allowed {
		if log != nil {
			log.Record(audit.Entry{
				RequestID:    requestID,
				Tenant:       tenant,
				Actor:        actor,
				Action:       audit.ActionAuthDeny,
				ResourceType: string(object.Type),
				ResourceID:   object.ID,
				Outcome:      audit.OutcomeDenied,
				Metadata:     map[string]any{"relation": string(relation)},
			})
		}
		return fault.New(fault.KindUnauthorized, "operation not permitted").WithRequest(requestID)
	}
	if log != nil {
		log.Record(audit.Entry{
			RequestID:    requestID,
			Tenant:       tenant,
			Actor:        actor,
			Action:       audit.ActionAuthCheck,
			ResourceType: string(object.Type),
			ResourceID:   object.ID,
			Outcome:      audit.OutcomeOK,
			Metadata:     map[string]any{"relation": string(relation)},
		})
	}
	return nil
}

// computedExpansion maps a computed relation to the direct relations that
// satisfy it.
var computedExpansion = map[Relation][]Relation{
	RelationCanRead:    {RelationViewer, RelationAdmin, RelationOwner},
	RelationCanUpdate:  {RelationAdmin, RelationOwner},
	RelationCanExecute: {RelationExecutor, RelationAdmin, RelationOwner},
}

// expand returns the direct relations satisfying rel (itself for direct
// relations).
func expand(rel Relation) []Relation {
	if direct, ok := computedExpansion[rel]; ok {
		return direct
	}
	return []Relation{rel}
}

// validate rejects malformed check inputs early.
func validate(actor string, object Object) error {
	if actor == "" {
		return fmt.Errorf("actor is required")
	}
	if object.Type == "" || object.ID == "" {
		return fmt.Errorf("object type and id are required")
	}
	return nil
}
