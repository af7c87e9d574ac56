package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/correl/internal/correlation"
	"github.com/petrijr/correl/internal/persistence"
	"github.com/petrijr/correl/pkg/api"
)

// Deploy stores a new version of a definition and rewires its
// subscriptions. The definition insert, the rebuild of the declared start
// subscriptions, the repointing of manual auto-updating subscriptions and
// the change marker bump commit as one transaction.
func (e *engineImpl) Deploy(ctx context.Context, def api.Definition) (api.Definition, error) {
	if def.Key == "" {
		return api.Definition{}, api.Validationf("definition key is required")
	}
	switch def.Kind {
	case api.KindProcess, api.KindCase, api.KindEvent, api.KindChannel:
	default:
		return api.Definition{}, api.Validationf("unknown definition kind %q", def.Kind)
	}
	for _, se := range def.StartEvents {
		if se.EventType == "" {
			return api.Definition{}, api.Validationf("start event declaration of %q has no event type", def.Key)
		}
	}
	for _, et := range def.ElementTriggers {
		if et.EventType == "" || et.ElementID == "" {
			return api.Definition{}, api.Validationf("element trigger declaration of %q needs an element id and an event type", def.Key)
		}
	}

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.DeployedAt.IsZero() {
		def.DeployedAt = time.Now().UTC()
	}

	err := e.store.InTx(ctx, func(tx persistence.Store) error {
		prev, err := tx.LatestDefinition(ctx, def.Kind, def.Key, def.TenantID)
		if err != nil && !errors.Is(err, persistence.ErrDefinitionNotFound) {
			return err
		}
		if def.Version == 0 {
			def.Version = 1
			if prev != nil {
				def.Version = prev.Version + 1
			}
		} else if prev != nil && def.Version <= prev.Version {
			return api.Validationf("version %d of %s definition %q is not newer than the deployed version %d",
				def.Version, def.Kind, def.Key, prev.Version)
		}
		if err := tx.SaveDefinition(ctx, def); err != nil {
			return err
		}

		if def.Kind == api.KindProcess || def.Kind == api.KindCase {
			// Auto-updating subscriptions follow the latest version:
			// declared start subscriptions are rebuilt from the new
			// version's declarations, manual ones are repointed.
			// Pinned ones stay where they are.
			if prev != nil {
				if err := repointAutoUpdateSubscriptions(ctx, tx, prev, def); err != nil {
					return err
				}
			}
			if err := createStartSubscriptions(ctx, tx, def); err != nil {
				return err
			}
		}

		return tx.BumpChangeMarker(ctx)
	})
	if err != nil {
		return api.Definition{}, err
	}

	e.cachePut(&def)
	return def, nil
}

// Undeploy removes one definition version and its definition-bound
// subscriptions. When the removed version was the latest and an older
// version survives, declared start subscriptions are recreated against the
// survivor and manual auto-updating subscriptions are repointed to it, so
// the key keeps starting instances.
func (e *engineImpl) Undeploy(ctx context.Context, kind api.DefinitionKind, key string, version int, tenantID string) error {
	var survivor *api.Definition

	err := e.store.InTx(ctx, func(tx persistence.Store) error {
		def, err := tx.FindDefinition(ctx, kind, key, version, tenantID)
		if err != nil {
			if errors.Is(err, persistence.ErrDefinitionNotFound) {
				return fmt.Errorf("%s definition %q version %d (tenant %q): %w", kind, key, version, tenantID, api.ErrDefinitionNotFound)
			}
			return err
		}

		if err := tx.DeleteDefinition(ctx, kind, def.ID); err != nil {
			return err
		}

		next, err := tx.LatestDefinition(ctx, kind, key, tenantID)
		if err != nil && !errors.Is(err, persistence.ErrDefinitionNotFound) {
			return err
		}
		takeover := next != nil && next.Version < def.Version

		// Instance-bound subscriptions outlive the version and end with
		// their instance. When the latest version was removed and an older
		// one survives, manual auto-updating subscriptions move to it; the
		// rest of the definition-scoped subscriptions die with the version.
		bound, err := tx.FindSubscriptions(ctx, api.SubscriptionQuery{ScopeDefinitionID: def.ID})
		if err != nil {
			return err
		}
		for _, sub := range bound {
			if sub.ScopeID != "" {
				continue
			}
			if takeover && sub.AutoUpdate && !matchesStartDeclaration(sub, def.StartEvents) {
				sub.ScopeDefinitionID = next.ID
				sub.ScopeDefinitionKey = next.Key
				if err := tx.UpdateSubscription(ctx, sub); err != nil {
					return err
				}
				continue
			}
			if err := tx.DeleteSubscription(ctx, sub.ID); err != nil {
				return err
			}
		}

		if takeover {
			// The survivor takes over the declared start subscriptions.
			if err := createStartSubscriptions(ctx, tx, *next); err != nil {
				return err
			}
			survivor = next
		}

		return tx.BumpChangeMarker(ctx)
	})
	if err != nil {
		return err
	}

	if survivor != nil {
		e.cachePut(survivor)
	} else {
		e.defs.Evict(kind, key, tenantID)
	}
	return nil
}

// MigrateSubscriptionsToLatest moves the pinnable (definition-bound,
// non-instance) subscriptions of a definition version to the latest
// version of the same key and tenant.
func (e *engineImpl) MigrateSubscriptionsToLatest(ctx context.Context, definitionID string, parameterValues map[string]any) (int, error) {
	source, err := e.findDeployableByID(ctx, definitionID)
	if err != nil {
		return 0, err
	}
	target, err := e.store.LatestDefinition(ctx, source.Kind, source.Key, source.TenantID)
	if err != nil {
		if errors.Is(err, persistence.ErrDefinitionNotFound) {
			return 0, fmt.Errorf("%s definition %q (tenant %q): %w", source.Kind, source.Key, source.TenantID, api.ErrDefinitionNotFound)
		}
		return 0, err
	}
	if target.ID == source.ID {
		return 0, nil
	}
	return e.migrateSubscriptions(ctx, source, target, parameterValues)
}

// MigrateSubscriptionsToVersion is the explicit-target form. Source and
// target must be versions of the same key and tenant.
func (e *engineImpl) MigrateSubscriptionsToVersion(ctx context.Context, definitionID, targetDefinitionID string, parameterValues map[string]any) (int, error) {
	source, err := e.findDeployableByID(ctx, definitionID)
	if err != nil {
		return 0, err
	}
	target, err := e.findDeployableByID(ctx, targetDefinitionID)
	if err != nil {
		return 0, err
	}
	if source.Kind != target.Kind || source.Key != target.Key || source.TenantID != target.TenantID {
		return 0, api.Validationf("cannot migrate subscriptions across definition keys (%s/%s -> %s/%s)",
			source.Kind, source.Key, target.Kind, target.Key)
	}
	if target.ID == source.ID {
		return 0, nil
	}
	return e.migrateSubscriptions(ctx, source, target, parameterValues)
}

func (e *engineImpl) migrateSubscriptions(ctx context.Context, source, target *api.Definition, parameterValues map[string]any) (int, error) {
	var filterKey string
	if len(parameterValues) > 0 {
		key, err := correlation.EncodeKey(sortedKeys(parameterValues), parameterValues)
		if err != nil {
			return 0, err
		}
		filterKey = key
	}

	moved := 0
	err := e.store.InTx(ctx, func(tx persistence.Store) error {
		subs, err := tx.FindSubscriptions(ctx, api.SubscriptionQuery{ScopeDefinitionID: source.ID})
		if err != nil {
			return err
		}
		now := time.Now()
		for _, sub := range subs {
			if sub.ScopeID != "" {
				// Instance-bound subscriptions stay on the version
				// their instance runs on.
				continue
			}
			if sub.LockOwner != "" && sub.LockExpiry.After(now) {
				// A dispatch is in flight; leave it alone.
				continue
			}
			if filterKey != "" && sub.CorrelationKey != filterKey {
				continue
			}
			sub.ScopeDefinitionID = target.ID
			sub.ScopeDefinitionKey = target.Key
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// findDeployableByID locates a process or case definition by ID without
// knowing its kind up front.
func (e *engineImpl) findDeployableByID(ctx context.Context, id string) (*api.Definition, error) {
	for _, kind := range []api.DefinitionKind{api.KindProcess, api.KindCase} {
		def, err := e.store.GetDefinition(ctx, kind, id)
		if err == nil {
			return def, nil
		}
		if !errors.Is(err, persistence.ErrDefinitionNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("deployable definition %s: %w", id, api.ErrDefinitionNotFound)
}

// cachePut refreshes the local definition cache for kinds it tracks.
func (e *engineImpl) cachePut(def *api.Definition) {
	if def.Kind == api.KindEvent || def.Kind == api.KindChannel {
		e.defs.Put(def)
	}
}

// repointAutoUpdateSubscriptions moves the auto-updating subscriptions of
// the previous version onto a newly deployed one. Subscriptions created
// from the previous version's start event declarations are deleted (the
// caller recreates them from the new declarations); manual auto-updating
// subscriptions keep their identity and are repointed. Pinned and
// instance-bound subscriptions are left alone.
func repointAutoUpdateSubscriptions(ctx context.Context, tx persistence.Store, from *api.Definition, to api.Definition) error {
	subs, err := tx.FindSubscriptions(ctx, api.SubscriptionQuery{ScopeDefinitionID: from.ID})
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if !sub.AutoUpdate || sub.ScopeID != "" {
			continue
		}
		if matchesStartDeclaration(sub, from.StartEvents) {
			if err := tx.DeleteSubscription(ctx, sub.ID); err != nil {
				return err
			}
			continue
		}
		sub.ScopeDefinitionID = to.ID
		sub.ScopeDefinitionKey = to.Key
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

// matchesStartDeclaration reports whether a subscription is the start
// subscription created for one of the given declarations, as opposed to a
// manually registered one.
func matchesStartDeclaration(sub *api.EventSubscription, decls []api.StartEventDeclaration) bool {
	if sub.ElementID != "" {
		return false
	}
	for _, decl := range decls {
		if sub.EventType != decl.EventType {
			continue
		}
		if !slices.Equal(sub.CorrelationParameterNames, decl.CorrelationParameterNames) {
			continue
		}
		var key string
		if len(decl.CorrelationParameterValues) > 0 {
			k, err := correlation.EncodeKey(decl.CorrelationParameterNames, decl.CorrelationParameterValues)
			if err != nil {
				continue
			}
			key = k
		}
		if sub.CorrelationKey == key {
			return true
		}
	}
	return false
}

// createStartSubscriptions creates one auto-updating start subscription per
// start event declaration of a definition version.
func createStartSubscriptions(ctx context.Context, tx persistence.Store, def api.Definition) error {
	scope := api.ScopeProcessDefinition
	if def.Kind == api.KindCase {
		scope = api.ScopeCaseDefinition
	}
	for _, decl := range def.StartEvents {
		sub := api.EventSubscription{
			ID:                        uuid.NewString(),
			EventType:                 decl.EventType,
			ScopeKind:                 scope,
			ScopeDefinitionID:         def.ID,
			ScopeDefinitionKey:        def.Key,
			TenantID:                  def.TenantID,
			CreatedTime:               time.Now().UTC(),
			CorrelationParameterNames: decl.CorrelationParameterNames,
			AutoUpdate:                true,
			UniqueStart:               decl.UniqueStart,
		}
		if len(decl.CorrelationParameterValues) > 0 {
			key, err := correlation.EncodeKey(decl.CorrelationParameterNames, decl.CorrelationParameterValues)
			if err != nil {
				return err
			}
			sub.CorrelationKey = key
		}
		if err := tx.CreateSubscription(ctx, &sub); err != nil {
			return err
		}
	}
	return nil
}
