package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/correl/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of Store backed by maps.
// It is non-durable and intended for tests and single-process deployments.
type InMemoryStore struct {
	mu sync.Mutex

	subs   map[string]*api.EventSubscription
	defs   map[api.DefinitionKind]map[string]*api.Definition
	marker int64
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		subs: make(map[string]*api.EventSubscription),
		defs: make(map[api.DefinitionKind]map[string]*api.Definition),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ Store = (*InMemoryStore)(nil)

// memView exposes the store without locking; it is handed to InTx callbacks
// while the store mutex is held.
type memView struct {
	s *InMemoryStore
}

var _ Store = memView{}

func (s *InMemoryStore) InTx(ctx context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Snapshot so a failed callback leaves no partial writes.
	subsCopy := make(map[string]*api.EventSubscription, len(s.subs))
	for id, sub := range s.subs {
		c := *sub
		subsCopy[id] = &c
	}
	defsCopy := make(map[api.DefinitionKind]map[string]*api.Definition, len(s.defs))
	for kind, byID := range s.defs {
		m := make(map[string]*api.Definition, len(byID))
		for id, def := range byID {
			c := *def
			m[id] = &c
		}
		defsCopy[kind] = m
	}
	marker := s.marker

	if err := fn(memView{s: s}); err != nil {
		s.subs = subsCopy
		s.defs = defsCopy
		s.marker = marker
		return err
	}
	return nil
}

// InTx on a view runs in the enclosing transaction.
func (v memView) InTx(ctx context.Context, fn func(Store) error) error {
	return fn(v)
}

func (s *InMemoryStore) CreateSubscription(ctx context.Context, sub *api.EventSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.CreateSubscription(ctx, sub)
}

func (v memView) CreateSubscription(ctx context.Context, sub *api.EventSubscription) error {
	c := *sub
	v.s.subs[sub.ID] = &c
	return nil
}

func (s *InMemoryStore) GetSubscription(ctx context.Context, id string) (*api.EventSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.GetSubscription(ctx, id)
}

func (v memView) GetSubscription(ctx context.Context, id string) (*api.EventSubscription, error) {
	sub, ok := v.s.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	c := *sub
	return &c, nil
}

func (s *InMemoryStore) FindSubscriptions(ctx context.Context, q api.SubscriptionQuery) ([]*api.EventSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.FindSubscriptions(ctx, q)
}

func (v memView) FindSubscriptions(ctx context.Context, q api.SubscriptionQuery) ([]*api.EventSubscription, error) {
	now := time.Now()
	var result []*api.EventSubscription
	for _, sub := range v.s.subs {
		if !subscriptionMatchesQuery(sub, q, now) {
			continue
		}
		c := *sub
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedTime.Equal(result[j].CreatedTime) {
			return result[i].CreatedTime.Before(result[j].CreatedTime)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *InMemoryStore) UpdateSubscription(ctx context.Context, sub *api.EventSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.UpdateSubscription(ctx, sub)
}

func (v memView) UpdateSubscription(ctx context.Context, sub *api.EventSubscription) error {
	if _, ok := v.s.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	c := *sub
	v.s.subs[sub.ID] = &c
	return nil
}

func (s *InMemoryStore) DeleteSubscription(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.DeleteSubscription(ctx, id)
}

func (v memView) DeleteSubscription(ctx context.Context, id string) error {
	if _, ok := v.s.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(v.s.subs, id)
	return nil
}

func (s *InMemoryStore) DeleteSubscriptions(ctx context.Context, q api.SubscriptionQuery) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.DeleteSubscriptions(ctx, q)
}

func (v memView) DeleteSubscriptions(ctx context.Context, q api.SubscriptionQuery) (int, error) {
	now := time.Now()
	n := 0
	for id, sub := range v.s.subs {
		if subscriptionMatchesQuery(sub, q, now) {
			delete(v.s.subs, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) TryLockSubscription(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.TryLockSubscription(ctx, id, owner, ttl)
}

func (v memView) TryLockSubscription(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	sub, ok := v.s.subs[id]
	if !ok {
		return false, ErrSubscriptionNotFound
	}
	now := time.Now()
	if sub.LockOwner != "" && sub.LockOwner != owner && sub.LockExpiry.After(now) {
		return false, nil
	}
	sub.LockOwner = owner
	sub.LockTime = now
	sub.LockExpiry = now.Add(ttl)
	return true, nil
}

func (s *InMemoryStore) UnlockSubscription(ctx context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.UnlockSubscription(ctx, id, owner)
}

func (v memView) UnlockSubscription(ctx context.Context, id, owner string) error {
	sub, ok := v.s.subs[id]
	if !ok {
		// Unlock after delete is a no-op.
		return nil
	}
	if sub.LockOwner == "" || sub.LockOwner == owner {
		sub.LockOwner = ""
		sub.LockTime = time.Time{}
		sub.LockExpiry = time.Time{}
	}
	return nil
}

func (s *InMemoryStore) SaveDefinition(ctx context.Context, def api.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.SaveDefinition(ctx, def)
}

func (v memView) SaveDefinition(ctx context.Context, def api.Definition) error {
	byID := v.s.defs[def.Kind]
	if byID == nil {
		byID = make(map[string]*api.Definition)
		v.s.defs[def.Kind] = byID
	}
	for _, existing := range byID {
		if existing.Key == def.Key && existing.Version == def.Version && existing.TenantID == def.TenantID {
			return ErrDuplicateDefinition
		}
	}
	c := def
	byID[def.ID] = &c
	return nil
}

func (s *InMemoryStore) GetDefinition(ctx context.Context, kind api.DefinitionKind, id string) (*api.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.GetDefinition(ctx, kind, id)
}

func (v memView) GetDefinition(ctx context.Context, kind api.DefinitionKind, id string) (*api.Definition, error) {
	def, ok := v.s.defs[kind][id]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	c := *def
	return &c, nil
}

func (s *InMemoryStore) LatestDefinition(ctx context.Context, kind api.DefinitionKind, key, tenantID string) (*api.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.LatestDefinition(ctx, kind, key, tenantID)
}

func (v memView) LatestDefinition(ctx context.Context, kind api.DefinitionKind, key, tenantID string) (*api.Definition, error) {
	var latest *api.Definition
	for _, def := range v.s.defs[kind] {
		if def.Key != key || def.TenantID != tenantID {
			continue
		}
		if latest == nil || def.Version > latest.Version {
			latest = def
		}
	}
	if latest == nil {
		return nil, ErrDefinitionNotFound
	}
	c := *latest
	return &c, nil
}

func (s *InMemoryStore) FindDefinition(ctx context.Context, kind api.DefinitionKind, key string, version int, tenantID string) (*api.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.FindDefinition(ctx, kind, key, version, tenantID)
}

func (v memView) FindDefinition(ctx context.Context, kind api.DefinitionKind, key string, version int, tenantID string) (*api.Definition, error) {
	for _, def := range v.s.defs[kind] {
		if def.Key == key && def.Version == version && def.TenantID == tenantID {
			c := *def
			return &c, nil
		}
	}
	return nil, ErrDefinitionNotFound
}

func (s *InMemoryStore) ListDefinitions(ctx context.Context, kind api.DefinitionKind) ([]*api.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.ListDefinitions(ctx, kind)
}

func (v memView) ListDefinitions(ctx context.Context, kind api.DefinitionKind) ([]*api.Definition, error) {
	var result []*api.Definition
	for _, def := range v.s.defs[kind] {
		c := *def
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Key != result[j].Key {
			return result[i].Key < result[j].Key
		}
		return result[i].Version < result[j].Version
	})
	return result, nil
}

func (s *InMemoryStore) DeleteDefinition(ctx context.Context, kind api.DefinitionKind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.DeleteDefinition(ctx, kind, id)
}

func (v memView) DeleteDefinition(ctx context.Context, kind api.DefinitionKind, id string) error {
	if _, ok := v.s.defs[kind][id]; !ok {
		return ErrDefinitionNotFound
	}
	delete(v.s.defs[kind], id)
	return nil
}

func (s *InMemoryStore) ChangeMarker(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marker, nil
}

func (v memView) ChangeMarker(ctx context.Context) (int64, error) {
	return v.s.marker, nil
}

func (s *InMemoryStore) BumpChangeMarker(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memView{s}.BumpChangeMarker(ctx)
}

func (v memView) BumpChangeMarker(ctx context.Context) error {
	v.s.marker++
	return nil
}

// subscriptionMatchesQuery applies the query filter semantics shared by the
// store implementations: zero values mean "no filter".
func subscriptionMatchesQuery(sub *api.EventSubscription, q api.SubscriptionQuery, now time.Time) bool {
	if q.EventType != "" && sub.EventType != q.EventType {
		return false
	}
	if q.ScopeKind != api.ScopeNone && sub.ScopeKind != q.ScopeKind {
		return false
	}
	if q.ScopeDefinitionID != "" && sub.ScopeDefinitionID != q.ScopeDefinitionID {
		return false
	}
	if q.ScopeID != "" && sub.ScopeID != q.ScopeID {
		return false
	}
	if q.TenantID != "" && sub.TenantID != q.TenantID {
		return false
	}
	if q.CorrelationKey != "" && sub.CorrelationKey != q.CorrelationKey {
		return false
	}
	if !q.CreatedBefore.IsZero() && !sub.CreatedTime.Before(q.CreatedBefore) {
		return false
	}
	if !q.CreatedAfter.IsZero() && !sub.CreatedTime.After(q.CreatedAfter) {
		return false
	}
	if q.ExcludeLocked && sub.LockOwner != "" && sub.LockExpiry.After(now) {
		return false
	}
	return true
}
