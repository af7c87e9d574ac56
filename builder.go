package correl

import (
	"context"

	"github.com/petrijr/correl/pkg/api"
)

// SubscriptionBuilder provides a fluent API for registering manual
// subscriptions:
//
//	sub, err := correl.NewSubscription("payment.received").
//	    ForProcessKey("invoice-handling").
//	    Tenant("acme").
//	    Parameter("orderId", "A-1001").
//	    Pinned().
//	    Register(ctx, eng)
//
// When conflicting options are set, the last call wins.
type SubscriptionBuilder struct {
	sub    api.EventSubscription
	params map[string]any
}

// NewSubscription creates a builder for a subscription to the given
// event type.
func NewSubscription(eventType string) *SubscriptionBuilder {
	return &SubscriptionBuilder{
		sub: api.EventSubscription{
			EventType:  eventType,
			AutoUpdate: true,
		},
		params: make(map[string]any),
	}
}

// ForProcessKey targets the latest version of a process definition key.
// The engine resolves the key to a concrete version at registration time.
func (b *SubscriptionBuilder) ForProcessKey(key string) *SubscriptionBuilder {
	b.sub.ScopeKind = api.ScopeProcessDefinition
	b.sub.ScopeDefinitionKey = key
	b.sub.ScopeDefinitionID = ""
	return b
}

// ForCaseKey targets the latest version of a case definition key.
func (b *SubscriptionBuilder) ForCaseKey(key string) *SubscriptionBuilder {
	b.sub.ScopeKind = api.ScopeCaseDefinition
	b.sub.ScopeDefinitionKey = key
	b.sub.ScopeDefinitionID = ""
	return b
}

// ForDefinition targets one concrete definition version by ID. A
// subscription registered this way is pinned unless AutoUpdate is called
// afterwards.
func (b *SubscriptionBuilder) ForDefinition(kind api.ScopeKind, definitionID string) *SubscriptionBuilder {
	b.sub.ScopeKind = kind
	b.sub.ScopeDefinitionID = definitionID
	b.sub.AutoUpdate = false
	return b
}

// Tenant sets the tenant the subscription belongs to. Unset means the
// default tenant.
func (b *SubscriptionBuilder) Tenant(tenantID string) *SubscriptionBuilder {
	b.sub.TenantID = tenantID
	return b
}

// Parameter adds one correlation parameter value. The engine encodes all
// added parameters into the subscription's correlation key.
func (b *SubscriptionBuilder) Parameter(name string, value any) *SubscriptionBuilder {
	b.params[name] = value
	return b
}

// Parameters adds a batch of correlation parameter values.
func (b *SubscriptionBuilder) Parameters(values map[string]any) *SubscriptionBuilder {
	for name, v := range values {
		b.params[name] = v
	}
	return b
}

// AutoUpdate makes the subscription follow the latest version of its
// definition key on redeploy. This is the default for key-targeted
// subscriptions.
func (b *SubscriptionBuilder) AutoUpdate() *SubscriptionBuilder {
	b.sub.AutoUpdate = true
	return b
}

// Pinned keeps the subscription on the definition version it resolves to
// at registration time, until explicitly migrated.
func (b *SubscriptionBuilder) Pinned() *SubscriptionBuilder {
	b.sub.AutoUpdate = false
	return b
}

// UniqueStart requests at most one started instance per distinct
// correlation.
func (b *SubscriptionBuilder) UniqueStart() *SubscriptionBuilder {
	b.sub.UniqueStart = true
	return b
}

// Register validates the built subscription and stores it through the
// engine.
func (b *SubscriptionBuilder) Register(ctx context.Context, eng Engine) (*EventSubscription, error) {
	return eng.Subscribe(ctx, b.sub, b.params)
}
