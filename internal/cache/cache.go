// Package cache implements the per-engine definition cache and the change
// detector that keeps it eventually consistent with the shared store.
//
// Several engine processes may share one backing store while keeping
// independent in-memory caches of channel and event definitions. Each
// deploy or undeploy bumps a monotonically increasing change marker in the
// store; a reconcile cycle compares the locally cached marker against the
// store's and, on mismatch, reconciles the cache entry by entry. This is
// eventual consistency with bounded staleness, not a push notification.
package cache

import (
	"context"
	"sync"

	"github.com/petrijr/correl/internal/persistence"
	"github.com/petrijr/correl/pkg/api"
)

type entryKey struct {
	kind     api.DefinitionKind
	key      string
	tenantID string
}

// ReconcileStats reports what one reconcile cycle changed.
type ReconcileStats struct {
	// Loaded counts definitions present in the store but missing locally.
	Loaded int
	// Evicted counts local entries no longer present in the store.
	Evicted int
	// Reloaded counts local entries replaced by a newer store version.
	Reloaded int
	// Changed reports whether the marker moved since the last cycle.
	Changed bool
}

// Definitions is an explicit, reconcilable cache of the latest definition
// version per (kind, key, tenant). It replaces what would otherwise be a
// global mutable registry: reconciliation is an explicit operation,
// callable directly in tests and scheduled in production.
type Definitions struct {
	store persistence.DefinitionStore
	kinds []api.DefinitionKind

	mu      sync.RWMutex
	entries map[entryKey]*api.Definition
	marker  int64
	seeded  bool
}

// NewDefinitions creates a cache over the given store for the given
// artifact kinds. If kinds is empty, event and channel definitions are
// cached (the kinds the hot matching path needs).
func NewDefinitions(store persistence.DefinitionStore, kinds ...api.DefinitionKind) *Definitions {
	if len(kinds) == 0 {
		kinds = []api.DefinitionKind{api.KindEvent, api.KindChannel}
	}
	return &Definitions{
		store:   store,
		kinds:   kinds,
		entries: make(map[entryKey]*api.Definition),
	}
}

// Lookup returns the cached latest definition for a key, if any.
func (c *Definitions) Lookup(kind api.DefinitionKind, key, tenantID string) (*api.Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.entries[entryKey{kind, key, tenantID}]
	if !ok {
		return nil, false
	}
	cp := *def
	return &cp, true
}

// Put inserts or replaces a cache entry. Called by the local engine right
// after its own deploys so it never waits a detector cycle for its own
// writes.
func (c *Definitions) Put(def *api.Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *def
	c.entries[entryKey{def.Kind, def.Key, def.TenantID}] = &cp
}

// Evict drops a cache entry. Called by the local engine on its own
// undeploys.
func (c *Definitions) Evict(kind api.DefinitionKind, key, tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, entryKey{kind, key, tenantID})
}

// Reconcile runs one detector cycle: it compares the cached marker to the
// store's and on mismatch diffs the cache against the store entry by
// entry. Running it twice concurrently converges to the same content.
func (c *Definitions) Reconcile(ctx context.Context) (ReconcileStats, error) {
	marker, err := c.store.ChangeMarker(ctx)
	if err != nil {
		return ReconcileStats{}, err
	}

	c.mu.Lock()
	unchanged := c.seeded && marker == c.marker
	c.mu.Unlock()
	if unchanged {
		return ReconcileStats{}, nil
	}

	// Build the authoritative view: latest version per (kind, key, tenant).
	current := make(map[entryKey]*api.Definition)
	for _, kind := range c.kinds {
		defs, err := c.store.ListDefinitions(ctx, kind)
		if err != nil {
			return ReconcileStats{}, err
		}
		for _, def := range defs {
			k := entryKey{def.Kind, def.Key, def.TenantID}
			if prev, ok := current[k]; !ok || def.Version > prev.Version {
				current[k] = def
			}
		}
	}

	stats := ReconcileStats{Changed: true}

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, def := range current {
		prev, ok := c.entries[k]
		switch {
		case !ok:
			stats.Loaded++
		case prev.ID != def.ID:
			stats.Reloaded++
		}
		cp := *def
		c.entries[k] = &cp
	}
	for k := range c.entries {
		if _, ok := current[k]; !ok {
			delete(c.entries, k)
			stats.Evicted++
		}
	}

	c.marker = marker
	c.seeded = true
	return stats, nil
}

// Len returns the number of cached entries.
func (c *Definitions) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
