package engine

import (
	"context"
	"errors"

	"github.com/petrijr/correl/internal/correlation"
	"github.com/petrijr/correl/internal/persistence"
	"github.com/petrijr/correl/pkg/api"
)

// resolveEventDefinition returns the event definition for an inbound event
// and the effective tenant, applying tenant fallback. The definition may be
// nil: manual subscriptions do not require a deployed event definition, and
// without one no parameter validation applies.
func (e *engineImpl) resolveEventDefinition(ctx context.Context, ev api.InboundEvent) (*api.Definition, string, error) {
	probe := func(ctx context.Context, tenantID string) (bool, error) {
		if _, ok := e.defs.Lookup(api.KindEvent, ev.EventType, tenantID); ok {
			return true, nil
		}
		// The cache may be stale; the store is the source of truth.
		_, err := e.store.LatestDefinition(ctx, api.KindEvent, ev.EventType, tenantID)
		if err != nil {
			if errors.Is(err, persistence.ErrDefinitionNotFound) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	tenant, err := e.resolver.Resolve(ctx, ev.TenantID, probe)
	if err != nil {
		return nil, "", err
	}

	if def, ok := e.defs.Lookup(api.KindEvent, ev.EventType, tenant); ok {
		return def, tenant, nil
	}
	def, err := e.store.LatestDefinition(ctx, api.KindEvent, ev.EventType, tenant)
	if err != nil {
		if errors.Is(err, persistence.ErrDefinitionNotFound) {
			return nil, tenant, nil
		}
		return nil, tenant, err
	}
	e.defs.Put(def)
	return def, tenant, nil
}

// validateEvent checks an inbound event against its event definition.
// A missing required correlation parameter is a validation failure, not a
// silent non-match.
func validateEvent(def *api.Definition, ev api.InboundEvent) error {
	if def == nil {
		return nil
	}
	for _, p := range def.CorrelationParameters {
		if !p.Required {
			continue
		}
		if _, ok := ev.ParameterValues[p.Name]; !ok {
			return api.Validationf("event %q is missing required correlation parameter %q", ev.EventType, p.Name)
		}
	}
	return nil
}

// Match resolves the effective tenant, queries the store for unlocked
// subscriptions of the event's type, and filters them by correlation key.
// Candidates are ordered instance-scoped first, then definition-scoped, so
// a running instance's boundary subscription is preferred over starting a
// new instance when both match. Match has no side effects.
func (e *engineImpl) Match(ctx context.Context, ev api.InboundEvent) ([]*api.EventSubscription, error) {
	if ev.EventType == "" {
		return nil, api.Validationf("event type is required")
	}

	def, tenant, err := e.resolveEventDefinition(ctx, ev)
	if err != nil {
		return nil, err
	}
	if err := validateEvent(def, ev); err != nil {
		return nil, err
	}

	candidates, err := e.store.FindSubscriptions(ctx, api.SubscriptionQuery{
		EventType:     ev.EventType,
		ExcludeLocked: true,
	})
	if err != nil {
		return nil, err
	}

	// Partition preserving the store's stable order.
	var instanceScoped, definitionScoped []*api.EventSubscription
	for _, sub := range candidates {
		if sub.TenantID != tenant {
			continue
		}
		if !subscriptionMatchesEvent(sub, ev) {
			continue
		}
		if sub.ScopeKind.IsInstance() {
			instanceScoped = append(instanceScoped, sub)
		} else {
			definitionScoped = append(definitionScoped, sub)
		}
	}

	return append(instanceScoped, definitionScoped...), nil
}

// subscriptionMatchesEvent reports whether an event satisfies a
// subscription's correlation key. A subscription without a key matches any
// event of its type; one with a key requires byte-for-byte equality with
// the key recomputed from the event's parameter values restricted to the
// subscription's recorded parameter names.
func subscriptionMatchesEvent(sub *api.EventSubscription, ev api.InboundEvent) bool {
	if sub.CorrelationKey == "" {
		return true
	}
	key, err := correlation.EncodeKey(sub.CorrelationParameterNames, ev.ParameterValues)
	if err != nil {
		// The event lacks one of the subscription's parameters: a
		// non-match, not an error.
		return false
	}
	return key == sub.CorrelationKey
}
