// Package engine implements the subscription, correlation and dispatch
// logic behind the api.Engine interface. It is wired to a persistence
// store, an execution engine and an observer by the root package's
// constructors.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/correl/internal/cache"
	"github.com/petrijr/correl/internal/correlation"
	"github.com/petrijr/correl/internal/persistence"
	"github.com/petrijr/correl/pkg/api"
)

const defaultLockTTL = time.Minute

// Config carries the dependencies of an engine. Persistence and Execution
// are required; everything else has a working default.
type Config struct {
	Persistence persistence.Persistence
	Execution   api.ExecutionEngine
	Observer    api.Observer

	// FallbackToDefaultTenant makes tenant resolution retry the default
	// tenant when the requested tenant has no matching definition.
	FallbackToDefaultTenant bool

	// LockTTL bounds how long a dispatch lock is honored before another
	// dispatcher may take it over. Zero means one minute.
	LockTTL time.Duration
}

type engineImpl struct {
	store      persistence.Store
	deliveries persistence.DeliveryLog
	exec       api.ExecutionEngine
	observer   api.Observer
	resolver   correlation.TenantResolver
	defs       *cache.Definitions

	// lockOwner identifies this engine instance in dispatch locks.
	lockOwner string
	lockTTL   time.Duration
}

var _ api.Engine = (*engineImpl)(nil)

// New creates an engine from an explicit Config.
func New(cfg Config) (api.Engine, error) {
	if cfg.Persistence.Store == nil {
		return nil, fmt.Errorf("engine: persistence store is required")
	}
	if cfg.Execution == nil {
		return nil, fmt.Errorf("engine: execution engine is required")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	deliveries := cfg.Persistence.Deliveries
	if deliveries == nil {
		deliveries = persistence.NoopDeliveryLog{}
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &engineImpl{
		store:      cfg.Persistence.Store,
		deliveries: deliveries,
		exec:       cfg.Execution,
		observer:   obs,
		resolver:   correlation.TenantResolver{FallbackToDefault: cfg.FallbackToDefaultTenant},
		defs:       cache.NewDefinitions(cfg.Persistence.Store),
		lockOwner:  uuid.NewString(),
		lockTTL:    ttl,
	}, nil
}

// NewInMemory creates an engine backed by the in-memory store. Intended for
// tests and single-process embedding.
func NewInMemory(exec api.ExecutionEngine, obs api.Observer) api.Engine {
	eng, err := New(Config{
		Persistence: persistence.Persistence{
			Store:      persistence.NewInMemoryStore(),
			Deliveries: persistence.NewMemoryDeliveryLog(),
		},
		Execution: exec,
		Observer:  obs,
	})
	if err != nil {
		// Unreachable with a non-nil exec; keep the constructor ergonomic.
		panic(err)
	}
	return eng
}

// NewSQLite creates an engine backed by SQLite, initializing the schema.
func NewSQLite(db *sql.DB, exec api.ExecutionEngine, obs api.Observer) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	audit, err := persistence.NewSQLiteDeliveryLog(db)
	if err != nil {
		return nil, err
	}
	return New(Config{
		Persistence: persistence.Persistence{Store: store, Deliveries: audit},
		Execution:   exec,
		Observer:    obs,
	})
}

// NewPostgres creates an engine backed by PostgreSQL, initializing the
// schema.
func NewPostgres(db *sql.DB, exec api.ExecutionEngine, obs api.Observer) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return New(Config{
		Persistence: persistence.Persistence{Store: store},
		Execution:   exec,
		Observer:    obs,
	})
}

// NewRedis creates an engine backed by Redis.
func NewRedis(client *redis.Client, exec api.ExecutionEngine, obs api.Observer) (api.Engine, error) {
	return New(Config{
		Persistence: persistence.Persistence{Store: persistence.NewRedisStore(client, "")},
		Execution:   exec,
		Observer:    obs,
	})
}

// Definitions exposes the engine's definition cache for background
// reconciliation.
func (e *engineImpl) Definitions() *cache.Definitions { return e.defs }

func (e *engineImpl) Subscribe(ctx context.Context, sub api.EventSubscription, parameterValues map[string]any) (*api.EventSubscription, error) {
	if sub.EventType == "" {
		return nil, api.Validationf("event type is required")
	}
	if sub.ScopeKind.IsInstance() {
		return nil, api.Validationf("Subscribe does not accept instance scopes, use SubscribeInstance")
	}

	if sub.ScopeKind.IsDefinition() && sub.ScopeDefinitionID == "" {
		if sub.ScopeDefinitionKey == "" {
			return nil, api.Validationf("a %s scope requires a definition id or key", sub.ScopeKind)
		}
		kind := api.KindProcess
		if sub.ScopeKind == api.ScopeCaseDefinition {
			kind = api.KindCase
		}
		def, err := e.latestWithFallback(ctx, kind, sub.ScopeDefinitionKey, sub.TenantID)
		if err != nil {
			return nil, err
		}
		sub.ScopeDefinitionID = def.ID
		sub.TenantID = def.TenantID
	}

	if len(parameterValues) > 0 {
		names := sortedKeys(parameterValues)
		key, err := correlation.EncodeKey(names, parameterValues)
		if err != nil {
			return nil, err
		}
		sub.CorrelationKey = key
		sub.CorrelationParameterNames = names
	}

	sub.ID = uuid.NewString()
	sub.CreatedTime = time.Now().UTC()
	sub.LockOwner = ""
	sub.LockTime = time.Time{}
	sub.LockExpiry = time.Time{}
	if err := e.store.CreateSubscription(ctx, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (e *engineImpl) SubscribeInstance(ctx context.Context, instanceID string, kind api.ScopeKind, definitionID, elementID, eventType string, tenantID string, parameterValues map[string]any) (*api.EventSubscription, error) {
	if eventType == "" {
		return nil, api.Validationf("event type is required")
	}
	if !kind.IsInstance() {
		return nil, api.Validationf("SubscribeInstance requires an instance scope, got %q", kind)
	}
	if instanceID == "" {
		return nil, api.Validationf("instance id is required")
	}

	sub := api.EventSubscription{
		EventType:         eventType,
		ScopeKind:         kind,
		ScopeDefinitionID: definitionID,
		ScopeID:           instanceID,
		ElementID:         elementID,
		TenantID:          tenantID,
	}
	if len(parameterValues) > 0 {
		names := sortedKeys(parameterValues)
		key, err := correlation.EncodeKey(names, parameterValues)
		if err != nil {
			return nil, err
		}
		sub.CorrelationKey = key
		sub.CorrelationParameterNames = names
	}

	sub.ID = uuid.NewString()
	sub.CreatedTime = time.Now().UTC()
	if err := e.store.CreateSubscription(ctx, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (e *engineImpl) GetSubscription(ctx context.Context, id string) (*api.EventSubscription, error) {
	sub, err := e.store.GetSubscription(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrSubscriptionNotFound) {
			return nil, fmt.Errorf("subscription %s: %w", id, api.ErrSubscriptionNotFound)
		}
		return nil, err
	}
	return sub, nil
}

func (e *engineImpl) ListSubscriptions(ctx context.Context, q api.SubscriptionQuery) ([]*api.EventSubscription, error) {
	return e.store.FindSubscriptions(ctx, q)
}

func (e *engineImpl) DeleteSubscriptions(ctx context.Context, q api.SubscriptionQuery) (int, error) {
	return e.store.DeleteSubscriptions(ctx, q)
}

// InstanceEnded removes every subscription bound to the ended instance.
// The execution engine calls this when a process or case instance
// completes or is terminated.
func (e *engineImpl) InstanceEnded(ctx context.Context, instanceID string) (int, error) {
	if instanceID == "" {
		return 0, api.Validationf("instance id is required")
	}
	return e.store.DeleteSubscriptions(ctx, api.SubscriptionQuery{ScopeID: instanceID})
}

func (e *engineImpl) LatestDefinition(ctx context.Context, kind api.DefinitionKind, key, tenantID string) (*api.Definition, error) {
	return e.latestWithFallback(ctx, kind, key, tenantID)
}

func (e *engineImpl) Reconcile(ctx context.Context) error {
	stats, err := e.defs.Reconcile(ctx)
	if err != nil {
		return err
	}
	if stats.Changed {
		e.observer.OnReconciled(ctx, stats.Loaded, stats.Evicted, stats.Reloaded)
	}
	return nil
}

// latestWithFallback looks up the latest definition version, retrying the
// default tenant when fallback is enabled and the requested tenant has no
// deployment under the key.
func (e *engineImpl) latestWithFallback(ctx context.Context, kind api.DefinitionKind, key, tenantID string) (*api.Definition, error) {
	probe := func(ctx context.Context, tenant string) (bool, error) {
		_, err := e.store.LatestDefinition(ctx, kind, key, tenant)
		if err != nil {
			if errors.Is(err, persistence.ErrDefinitionNotFound) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	tenant, err := e.resolver.Resolve(ctx, tenantID, probe)
	if err != nil {
		return nil, err
	}
	def, err := e.store.LatestDefinition(ctx, kind, key, tenant)
	if err != nil {
		if errors.Is(err, persistence.ErrDefinitionNotFound) {
			return nil, fmt.Errorf("%s definition %q (tenant %q): %w", kind, key, tenantID, api.ErrDefinitionNotFound)
		}
		return nil, err
	}
	return def, nil
}

func sortedKeys(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
