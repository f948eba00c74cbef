package authz

import (
	"context"
	"sort"
	"sync"
)

// RelationStore is an in-process Oracle over explicit relation tuples plus
// an object hierarchy. It backs local single-process deployments and tests;
// production deployments point the Client at the authorization collaborator.
type RelationStore struct {
	mu sync.RWMutex
	// tuples: object key -> relation -> actor set
	tuples map[string]map[Relation]map[string]bool
	// parents: object key -> parent object (domain -> organization,
	// agent/secret -> domain or organization)
	parents map[string]Object
	objects map[string]Object
}

// NewRelationStore creates an empty store.
func NewRelationStore() *RelationStore {
	return &RelationStore{
		tuples:  make(map[string]map[Relation]map[string]bool),
		parents: make(map[string]Object),
		objects: make(map[string]Object),
	}
}

// Write records a direct relation tuple.
func (s *RelationStore) Write(actor string, relation Relation, object Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := object.Key()
	s.objects[key] = object
	rels, ok := s.tuples[key]
	if !ok {
		rels = make(map[Relation]map[string]bool)
		s.tuples[key] = rels
	}
	actors, ok := rels[relation]
	if !ok {
		actors = make(map[string]bool)
		rels[relation] = actors
	}
	actors[actor] = true
}

// SetParent records the hierarchy edge from child up to parent.
func (s *RelationStore) SetParent(child, parent Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[child.Key()] = child
	s.objects[parent.Key()] = parent
	s.parents[child.Key()] = parent
}

// Check implements Oracle. A computed relation is satisfied by any of its
// direct expansions on the object itself, or by admin/owner on any ancestor.
func (s *RelationStore) Check(_ context.Context, actor string, relation Relation, object Object) (bool, error) {
	if err := validate(actor, object); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	direct := expand(relation)
	if s.hasAny(actor, direct, object) {
		return true, nil
	}
	// Walk ancestors: admin or owner of an ancestor inherits management
	// rights over everything beneath it.
	cur := object
	for depth := 0; depth < 8; depth++ {
		parent, ok := s.parents[cur.Key()]
		if !ok {
			break
		}
		if s.hasAny(actor, []Relation{RelationAdmin, RelationOwner}, parent) {
			return true, nil
		}
		cur = parent
	}
	return false, nil
}

// hasAny reports a direct tuple for any of the relations. Caller holds the
// read lock.
func (s *RelationStore) hasAny(actor string, relations []Relation, object Object) bool {
	rels, ok := s.tuples[object.Key()]
	if !ok {
		return false
	}
	for _, rel := range relations {
		if rels[rel][actor] {
			return true
		}
	}
	return false
}

// ListObjects implements Oracle.
func (s *RelationStore) ListObjects(ctx context.Context, actor string, relation Relation, objType ObjectType) ([]Object, error) {
	s.mu.RLock()
	candidates := make([]Object, 0)
	for _, obj := range s.objects {
		if obj.Type == objType {
			candidates = append(candidates, obj)
		}
	}
	s.mu.RUnlock()

	out := make([]Object, 0, len(candidates))
	for _, obj := range candidates {
		ok, err := s.Check(ctx, actor, relation, obj)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Oracle = (*RelationStore)(nil)
