package engine

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/correl/internal/correlation"
	"github.com/petrijr/correl/internal/persistence"
	"github.com/petrijr/correl/pkg/api"
)

// Deliver matches an event and dispatches every candidate under the
// at-most-one-trigger protocol: lock, re-validate, trigger, then delete or
// unlock. Lock contention and unique-start conflicts are benign skips;
// only execution engine failures surface as FAILED results, with the lock
// released so a later delivery can retry.
func (e *engineImpl) Deliver(ctx context.Context, ev api.InboundEvent) ([]api.DispatchResult, error) {
	candidates, err := e.Match(ctx, ev)
	if err != nil {
		return nil, err
	}
	e.observer.OnEventReceived(ctx, ev)

	results := make([]api.DispatchResult, 0, len(candidates))
	for _, sub := range candidates {
		results = append(results, e.dispatchOne(ctx, ev, sub))
	}
	return results, nil
}

func (e *engineImpl) dispatchOne(ctx context.Context, ev api.InboundEvent, sub *api.EventSubscription) api.DispatchResult {
	acquired, err := e.store.TryLockSubscription(ctx, sub.ID, e.lockOwner, e.lockTTL)
	if err != nil {
		if errors.Is(err, persistence.ErrSubscriptionNotFound) {
			return e.skipped(ctx, ev, sub, "subscription deleted before dispatch")
		}
		return e.failed(ctx, ev, sub, err)
	}
	if !acquired {
		return e.skipped(ctx, ev, sub, "locked by another dispatcher")
	}

	// Re-read under the lock: the subscription may have been deleted or
	// migrated between matching and locking.
	current, err := e.store.GetSubscription(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, persistence.ErrSubscriptionNotFound) {
			return e.skipped(ctx, ev, sub, "subscription deleted before dispatch")
		}
		e.unlock(ctx, sub.ID)
		return e.failed(ctx, ev, sub, err)
	}
	if current.EventType != ev.EventType || !subscriptionMatchesEvent(current, ev) {
		e.unlock(ctx, sub.ID)
		return e.skipped(ctx, ev, current, "subscription no longer matches")
	}

	if current.ScopeKind.IsInstance() {
		return e.triggerInstance(ctx, ev, current)
	}
	return e.startInstance(ctx, ev, current)
}

// triggerInstance resumes the owning instance and consumes the
// subscription: a boundary or intermediate subscription fires once.
func (e *engineImpl) triggerInstance(ctx context.Context, ev api.InboundEvent, sub *api.EventSubscription) api.DispatchResult {
	if err := e.exec.TriggerElement(ctx, sub.ScopeID, sub.ElementID, ev.ParameterValues); err != nil {
		e.unlock(ctx, sub.ID)
		return e.failed(ctx, ev, sub, err)
	}
	if err := e.store.DeleteSubscription(ctx, sub.ID); err != nil && !errors.Is(err, persistence.ErrSubscriptionNotFound) {
		return e.failed(ctx, ev, sub, err)
	}
	return e.triggered(ctx, ev, sub, "")
}

// startInstance starts a new instance for a definition-bound start
// subscription. The subscription survives to serve future events, so the
// lock is released either way.
func (e *engineImpl) startInstance(ctx context.Context, ev api.InboundEvent, sub *api.EventSubscription) api.DispatchResult {
	if sub.ScopeDefinitionID == "" {
		e.unlock(ctx, sub.ID)
		return e.skipped(ctx, ev, sub, "subscription has no definition to start")
	}

	kind := api.KindProcess
	if sub.ScopeKind == api.ScopeCaseDefinition {
		kind = api.KindCase
	}
	key := sub.CorrelationKey
	if key == "" && len(sub.CorrelationParameterNames) > 0 {
		if k, err := correlation.EncodeKey(sub.CorrelationParameterNames, ev.ParameterValues); err == nil {
			key = k
		}
	}

	instanceID, err := e.exec.StartInstance(ctx, api.StartInstanceRequest{
		DefinitionID:   sub.ScopeDefinitionID,
		DefinitionKind: kind,
		TenantID:       sub.TenantID,
		CorrelationKey: key,
		Unique:         sub.UniqueStart,
		Variables:      ev.ParameterValues,
	})
	e.unlock(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, api.ErrInstanceExists) {
			return e.skipped(ctx, ev, sub, "instance already exists for correlation")
		}
		return e.failed(ctx, ev, sub, err)
	}
	return e.triggered(ctx, ev, sub, instanceID)
}

func (e *engineImpl) unlock(ctx context.Context, id string) {
	// Best effort: an orphaned lock expires on its own after the TTL.
	_ = e.store.UnlockSubscription(ctx, id, e.lockOwner)
}

func (e *engineImpl) triggered(ctx context.Context, ev api.InboundEvent, sub *api.EventSubscription, instanceID string) api.DispatchResult {
	e.observer.OnSubscriptionTriggered(ctx, ev, sub, instanceID)
	e.audit(ctx, sub, ev, api.DeliveryEventTriggered, instanceID)
	return api.DispatchResult{Subscription: sub, Outcome: api.OutcomeTriggered, StartedInstanceID: instanceID}
}

func (e *engineImpl) skipped(ctx context.Context, ev api.InboundEvent, sub *api.EventSubscription, reason string) api.DispatchResult {
	e.observer.OnSubscriptionSkipped(ctx, ev, sub, reason)
	e.audit(ctx, sub, ev, api.DeliveryEventSkipped, reason)
	return api.DispatchResult{Subscription: sub, Outcome: api.OutcomeSkipped, Reason: reason}
}

func (e *engineImpl) failed(ctx context.Context, ev api.InboundEvent, sub *api.EventSubscription, err error) api.DispatchResult {
	e.observer.OnTriggerFailed(ctx, ev, sub, err)
	e.audit(ctx, sub, ev, api.DeliveryEventFailed, err.Error())
	return api.DispatchResult{Subscription: sub, Outcome: api.OutcomeFailed, Err: err}
}

func (e *engineImpl) audit(ctx context.Context, sub *api.EventSubscription, ev api.InboundEvent, typ api.DeliveryEventType, detail string) {
	// Audit failures never fail a dispatch.
	_ = e.deliveries.AppendDelivery(ctx, api.DeliveryEvent{
		SubscriptionID: sub.ID,
		EventType:      ev.EventType,
		TenantID:       sub.TenantID,
		At:             time.Now().UTC(),
		Type:           typ,
		Detail:         detail,
	})
}
