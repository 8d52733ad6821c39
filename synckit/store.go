package synckit

import (
	"context"
	"sort"
	"sync"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
)

// EntityStore persists entity snapshots. Get returns an error matching
// errors.ErrNotFound when the key is absent.
type EntityStore interface {
	GetEntity(ctx context.Context, key EntityKey) (*SyncEntity, error)
	PutEntity(ctx context.Context, entity *SyncEntity) error
	DeleteEntity(ctx context.Context, key EntityKey) error
	ListEntities(ctx context.Context, filter EntityFilter) ([]*SyncEntity, error)
}

// EntityFilter narrows ListEntities. Zero fields match everything.
type EntityFilter struct {
	Type        EntityType
	ID          string
	Marketplace string
}

func (f EntityFilter) match(e *SyncEntity) bool {
	return (f.Type == EntityUnknown || f.Type == e.Type) &&
		(f.ID == "" || f.ID == e.ID) &&
		(f.Marketplace == "" || f.Marketplace == e.MarketplaceID)
}

// OperationStore checkpoints operations so they survive restarts.
type OperationStore interface {
	SaveOperation(ctx context.Context, op *SyncOperation) error
	GetOperation(ctx context.Context, id string) (*SyncOperation, error)
	ListOperations(ctx context.Context, statuses ...OperationStatus) ([]*SyncOperation, error)
}

// ConflictStore persists conflicts.
type ConflictStore interface {
	SaveConflict(ctx context.Context, c *SyncConflict) error
	GetConflict(ctx context.Context, id string) (*SyncConflict, error)
	ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*SyncConflict, error)
}

// RuleStore persists the rule set.
type RuleStore interface {
	PutRule(ctx context.Context, rule SyncRule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context) ([]SyncRule, error)
}

// Store bundles every persistence concern. The sqlite and postgres packages
// provide durable implementations.
type Store interface {
	EntityStore
	OperationStore
	ConflictStore
	RuleStore
	Close() error
}

func notFound(op, what string) error {
	return syncErrors.E(syncErrors.Op(op), syncErrors.Component("store"), syncErrors.KindNotFound, what, syncErrors.ErrNotFound)
}

// MemoryStore is the default Store. Values are copied on the way in and out.
type MemoryStore struct {
	mu         sync.RWMutex
	entities   map[EntityKey]*SyncEntity
	operations map[string]*SyncOperation
	conflicts  map[string]*SyncConflict
	rules      map[string]SyncRule
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:   make(map[EntityKey]*SyncEntity),
		operations: make(map[string]*SyncOperation),
		conflicts:  make(map[string]*SyncConflict),
		rules:      make(map[string]SyncRule),
	}
}

func (s *MemoryStore) GetEntity(_ context.Context, key EntityKey) (*SyncEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[key]
	if !ok {
		return nil, notFound("memory.GetEntity", key.String())
	}
	return e.Clone(), nil
}

func (s *MemoryStore) PutEntity(_ context.Context, entity *SyncEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entity.Key()] = entity.Clone()
	return nil
}

func (s *MemoryStore) DeleteEntity(_ context.Context, key EntityKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[key]; !ok {
		return notFound("memory.DeleteEntity", key.String())
	}
	delete(s.entities, key)
	return nil
}

func (s *MemoryStore) ListEntities(_ context.Context, filter EntityFilter) ([]*SyncEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SyncEntity
	for _, e := range s.entities {
		if filter.match(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

func (s *MemoryStore) SaveOperation(_ context.Context, op *SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations[op.ID] = op.Clone()
	return nil
}

func (s *MemoryStore) GetOperation(_ context.Context, id string) (*SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operations[id]
	if !ok {
		return nil, notFound("memory.GetOperation", id)
	}
	return op.Clone(), nil
}

func (s *MemoryStore) ListOperations(_ context.Context, statuses ...OperationStatus) ([]*SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SyncOperation
	for _, op := range s.operations {
		if len(statuses) == 0 || containsStatus(statuses, op.Status) {
			out = append(out, op.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func containsStatus(statuses []OperationStatus, s OperationStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func (s *MemoryStore) SaveConflict(_ context.Context, c *SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetConflict(_ context.Context, id string) (*SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, notFound("memory.GetConflict", id)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListConflicts(_ context.Context, unresolvedOnly bool) ([]*SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SyncConflict
	for _, c := range s.conflicts {
		if !unresolvedOnly || !c.Resolved {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (s *MemoryStore) PutRule(_ context.Context, rule SyncRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule.Clone()
	return nil
}

func (s *MemoryStore) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return notFound("memory.DeleteRule", id)
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryStore) ListRules(_ context.Context) ([]SyncRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SyncRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
