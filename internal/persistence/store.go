package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/correl/pkg/api"
)

var (
	// ErrSubscriptionNotFound is returned when a subscription is not found.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrDefinitionNotFound is returned when a definition is not found.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrDuplicateDefinition is returned when saving a definition whose
	// (kind, key, version, tenant) is already present.
	ErrDuplicateDefinition = errors.New("definition version already deployed")
)

// SubscriptionStore handles storage of event subscriptions.
//
// FindSubscriptions results are ordered by creation time, then ID, so that
// matching is deterministic across store implementations.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *api.EventSubscription) error
	GetSubscription(ctx context.Context, id string) (*api.EventSubscription, error)
	FindSubscriptions(ctx context.Context, q api.SubscriptionQuery) ([]*api.EventSubscription, error)
	UpdateSubscription(ctx context.Context, sub *api.EventSubscription) error
	DeleteSubscription(ctx context.Context, id string) error
	// DeleteSubscriptions removes every subscription matching q and
	// returns how many were removed.
	DeleteSubscriptions(ctx context.Context, q api.SubscriptionQuery) (int, error)

	// TryLockSubscription attempts to acquire (or re-acquire) the dispatch
	// lock on a subscription. If the subscription is currently locked by
	// another owner and the lock has not expired, it returns
	// acquired=false, err=nil.
	//
	// The acquisition must be a single atomic conditional update, never a
	// read-then-write pair. A lock owned by the same owner is re-entrant.
	TryLockSubscription(ctx context.Context, id, owner string, ttl time.Duration) (acquired bool, err error)

	// UnlockSubscription releases the lock if it is held by owner.
	// It is idempotent.
	UnlockSubscription(ctx context.Context, id, owner string) error
}

// DefinitionStore handles storage of deployed definition versions, one
// version table per artifact kind, each keyed by (key, version, tenant)
// with a uniqueness constraint on that triple.
//
// It also carries the shared change marker the multi-engine change detector
// compares against its cached value.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def api.Definition) error
	GetDefinition(ctx context.Context, kind api.DefinitionKind, id string) (*api.Definition, error)
	// LatestDefinition returns the highest version for a key+tenant, or
	// ErrDefinitionNotFound when no version exists.
	LatestDefinition(ctx context.Context, kind api.DefinitionKind, key, tenantID string) (*api.Definition, error)
	FindDefinition(ctx context.Context, kind api.DefinitionKind, key string, version int, tenantID string) (*api.Definition, error)
	ListDefinitions(ctx context.Context, kind api.DefinitionKind) ([]*api.Definition, error)
	DeleteDefinition(ctx context.Context, kind api.DefinitionKind, id string) error

	// ChangeMarker returns the store's current change marker. The marker
	// increases monotonically on every deploy and undeploy.
	ChangeMarker(ctx context.Context) (int64, error)
	BumpChangeMarker(ctx context.Context) error
}

// Store bundles subscriptions and definitions behind one transactional
// boundary.
//
// InTx runs fn against a view of the store whose writes become visible
// atomically. Deploy and undeploy must run inside one InTx call so that
// subscription creation and deletion commit together with the definition
// version change. Nested InTx calls run in the enclosing transaction.
type Store interface {
	SubscriptionStore
	DefinitionStore

	InTx(ctx context.Context, fn func(Store) error) error
}
