package correl

import (
	"context"
	"database/sql"

	"github.com/petrijr/correl/internal/engine"
	"github.com/petrijr/correl/pkg/api"
	"github.com/redis/go-redis/v9"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine                    = api.Engine
	ExecutionEngine           = api.ExecutionEngine
	EventSubscription         = api.EventSubscription
	SubscriptionQuery         = api.SubscriptionQuery
	Definition                = api.Definition
	DefinitionKind            = api.DefinitionKind
	ScopeKind                 = api.ScopeKind
	CorrelationParameter      = api.CorrelationParameter
	StartEventDeclaration     = api.StartEventDeclaration
	ElementTriggerDeclaration = api.ElementTriggerDeclaration
	InboundEvent              = api.InboundEvent
	DispatchResult            = api.DispatchResult
	Outcome                   = api.Outcome
	StartInstanceRequest      = api.StartInstanceRequest
	ValidationError           = api.ValidationError
	Observer                  = api.Observer
	LoggingObserver           = api.LoggingObserver
	BasicMetrics              = api.BasicMetrics
	CompositeObserver         = api.CompositeObserver
	NoopObserver              = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export sentinel errors and error helpers.

var (
	ErrInstanceExists       = api.ErrInstanceExists
	ErrSubscriptionNotFound = api.ErrSubscriptionNotFound
	ErrDefinitionNotFound   = api.ErrDefinitionNotFound
)

// IsValidationError reports whether err is a synchronous rejection of a
// malformed event or request.
func IsValidationError(err error) bool { return api.IsValidationError(err) }

// Re-export enum values for convenience.

const (
	ScopeProcessDefinition = api.ScopeProcessDefinition
	ScopeProcessInstance   = api.ScopeProcessInstance
	ScopeCaseDefinition    = api.ScopeCaseDefinition
	ScopeCaseInstance      = api.ScopeCaseInstance

	KindProcess = api.KindProcess
	KindCase    = api.KindCase
	KindEvent   = api.KindEvent
	KindChannel = api.KindChannel

	OutcomeTriggered = api.OutcomeTriggered
	OutcomeSkipped   = api.OutcomeSkipped
	OutcomeFailed    = api.OutcomeFailed
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
// Intended for tests and single-process embedding.
func NewInMemoryEngine(exec ExecutionEngine) Engine {
	return engine.NewInMemory(exec, nil)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(exec ExecutionEngine, obs Observer) Engine {
	return engine.NewInMemory(exec, obs)
}

// NewSQLiteEngine returns an Engine that persists subscriptions and
// definitions in a SQLite database, initializing the schema on first use.
func NewSQLiteEngine(db *sql.DB, exec ExecutionEngine) (Engine, error) {
	return engine.NewSQLite(db, exec, nil)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, exec ExecutionEngine, obs Observer) (Engine, error) {
	return engine.NewSQLite(db, exec, obs)
}

// NewPostgresEngine returns an Engine that persists in PostgreSQL.
// The *sql.DB is typically opened through the pgx stdlib driver
// (import _ "github.com/jackc/pgx/v5/stdlib").
func NewPostgresEngine(db *sql.DB, exec ExecutionEngine) (Engine, error) {
	return engine.NewPostgres(db, exec, nil)
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the given Observer.
func NewPostgresEngineWithObserver(db *sql.DB, exec ExecutionEngine, obs Observer) (Engine, error) {
	return engine.NewPostgres(db, exec, obs)
}

// NewRedisEngine returns an Engine that persists in Redis.
//
// The Redis store cannot make deploy and undeploy atomic; when that
// matters, prefer the SQL-backed engines.
func NewRedisEngine(client *redis.Client, exec ExecutionEngine) (Engine, error) {
	return engine.NewRedis(client, exec, nil)
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given Observer.
func NewRedisEngineWithObserver(client *redis.Client, exec ExecutionEngine, obs Observer) (Engine, error) {
	return engine.NewRedis(client, exec, obs)
}

// Convenience helpers that just forward to the underlying Engine.

// Deliver matches and dispatches one inbound event synchronously.
func Deliver(ctx context.Context, eng Engine, ev InboundEvent) ([]DispatchResult, error) {
	return eng.Deliver(ctx, ev)
}

// Deploy stores a new definition version and rewires its start subscriptions.
func Deploy(ctx context.Context, eng Engine, def Definition) (Definition, error) {
	return eng.Deploy(ctx, def)
}

// Undeploy removes one definition version.
func Undeploy(ctx context.Context, eng Engine, kind DefinitionKind, key string, version int, tenantID string) error {
	return eng.Undeploy(ctx, kind, key, version, tenantID)
}
