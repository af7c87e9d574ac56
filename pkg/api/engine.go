package api

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInstanceExists is returned by ExecutionEngine.StartInstance when a
// unique-start subscription would create a second instance for the same
// correlation. The dispatcher treats it as a benign skip, not a failure.
var ErrInstanceExists = errors.New("instance already exists for correlation")

// ErrSubscriptionNotFound is returned when a subscription lookup misses.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ErrDefinitionNotFound is returned when no deployed definition matches a
// kind, key and tenant.
var ErrDefinitionNotFound = errors.New("definition not found")

// ValidationError reports a malformed correlation request: an unknown or
// missing required parameter, or an ambiguous subscription target. It is
// rejected synchronously and never partially applied.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "correl: " + e.Msg }

// Validationf builds a *ValidationError with fmt-style formatting.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a validation failure.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Outcome is the per-subscription result of a dispatch.
type Outcome string

const (
	// OutcomeTriggered means the subscription's bound action ran exactly once.
	OutcomeTriggered Outcome = "TRIGGERED"
	// OutcomeSkipped means another actor held the lock, the subscription no
	// longer matched after locking, or a unique-start conflict occurred.
	OutcomeSkipped Outcome = "SKIPPED"
	// OutcomeFailed means the trigger action returned an error; the lock
	// was released so a later delivery can retry.
	OutcomeFailed Outcome = "FAILED"
)

// DispatchResult reports what happened to one candidate subscription.
type DispatchResult struct {
	Subscription *EventSubscription
	Outcome      Outcome

	// StartedInstanceID is set when a start subscription triggered.
	StartedInstanceID string

	// Reason explains a skip (lock contention, revalidation miss,
	// duplicate instance).
	Reason string

	// Err is set for OutcomeFailed.
	Err error
}

// StartInstanceRequest asks the execution engine to start a new process or
// case instance for a matched start subscription.
type StartInstanceRequest struct {
	DefinitionID   string
	DefinitionKind DefinitionKind
	TenantID       string

	// CorrelationKey identifies the correlation the instance was started
	// for; with Unique set, the execution engine must enforce at most one
	// live instance per (DefinitionKey, CorrelationKey) and return
	// ErrInstanceExists on a violation.
	CorrelationKey string
	Unique         bool

	// Variables carries the event's parameter values into the instance.
	Variables map[string]any
}

// ExecutionEngine is the external process/case runtime this subsystem
// drives. It is consumed, never implemented, here.
type ExecutionEngine interface {
	// StartInstance starts a new instance of the given definition version
	// and returns its ID.
	StartInstance(ctx context.Context, req StartInstanceRequest) (string, error)

	// TriggerElement resumes a running instance at the subscribing element.
	TriggerElement(ctx context.Context, instanceID, elementID string, payload map[string]any) error
}

// SubscriptionQuery filters subscription lookups and bulk deletes.
// Zero values mean "no filter" for that field.
type SubscriptionQuery struct {
	EventType         string
	ScopeKind         ScopeKind
	ScopeDefinitionID string
	ScopeID           string
	TenantID          string
	CorrelationKey    string

	CreatedBefore time.Time
	CreatedAfter  time.Time

	// ExcludeLocked skips subscriptions currently locked by a live lock.
	ExcludeLocked bool
}

// Engine is the event subscription and correlation engine.
//
// Matching is read-only and may run concurrently from any number of
// processes sharing a store; only the per-subscription lock taken during
// Deliver is exclusive.
type Engine interface {
	// Deploy stores a new definition version and creates, replaces, or
	// leaves alone start subscriptions according to the auto-update rules.
	// The whole operation is atomic: a crash mid-deploy never leaves a
	// key+tenant without start subscriptions while a version exists.
	Deploy(ctx context.Context, def Definition) (Definition, error)

	// Undeploy removes one definition version. Definition-bound
	// subscriptions of that version are deleted; if the removed version
	// was the latest and an older version survives, declared start
	// subscriptions are recreated against the next-latest version and
	// manual auto-updating subscriptions are repointed to it.
	// Instance-bound subscriptions are never touched.
	Undeploy(ctx context.Context, kind DefinitionKind, key string, version int, tenantID string) error

	// Subscribe registers a manual subscription. Most callers use the
	// fluent SubscriptionBuilder in the root package instead.
	Subscribe(ctx context.Context, sub EventSubscription, parameterValues map[string]any) (*EventSubscription, error)

	// SubscribeInstance registers an instance-bound subscription for a
	// running instance that reached a triggerable element.
	SubscribeInstance(ctx context.Context, instanceID string, kind ScopeKind, definitionID, elementID, eventType string, tenantID string, parameterValues map[string]any) (*EventSubscription, error)

	// Match returns the ordered candidates for an event without
	// dispatching. Instance-scoped candidates come first.
	Match(ctx context.Context, ev InboundEvent) ([]*EventSubscription, error)

	// Deliver matches an event and dispatches every candidate with
	// at-most-one-trigger semantics. It returns one result per candidate;
	// an event that matched nothing returns an empty, non-nil slice.
	Deliver(ctx context.Context, ev InboundEvent) ([]DispatchResult, error)

	// GetSubscription looks up one subscription by ID.
	GetSubscription(ctx context.Context, id string) (*EventSubscription, error)

	// ListSubscriptions returns subscriptions matching the query, ordered
	// by creation time.
	ListSubscriptions(ctx context.Context, q SubscriptionQuery) ([]*EventSubscription, error)

	// DeleteSubscriptions removes subscriptions matching the query and
	// returns how many were removed.
	DeleteSubscriptions(ctx context.Context, q SubscriptionQuery) (int, error)

	// MigrateSubscriptionsToLatest moves definition-bound subscriptions of
	// the given definition version to the latest version of the same
	// key+tenant. Pinned subscriptions move only through this explicit
	// call. parameterValues, when non-nil, restricts migration to
	// subscriptions whose correlation key matches those values.
	MigrateSubscriptionsToLatest(ctx context.Context, definitionID string, parameterValues map[string]any) (int, error)

	// MigrateSubscriptionsToVersion is MigrateSubscriptionsToLatest with an
	// explicit target version.
	MigrateSubscriptionsToVersion(ctx context.Context, definitionID, targetDefinitionID string, parameterValues map[string]any) (int, error)

	// InstanceEnded deletes every subscription owned by the terminated
	// instance. It consumes the runtime's instance-terminated notification.
	InstanceEnded(ctx context.Context, instanceID string) (int, error)

	// LatestDefinition resolves the current version of a key, applying
	// tenant fallback when enabled.
	LatestDefinition(ctx context.Context, kind DefinitionKind, key, tenantID string) (*Definition, error)

	// Reconcile runs one change-detector cycle against the shared store,
	// refreshing this engine's local definition cache. It is idempotent.
	Reconcile(ctx context.Context) error
}
