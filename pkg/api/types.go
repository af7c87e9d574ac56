package api

import "time"

// ScopeKind says what kind of scope owns an event subscription.
//
// It is deliberately a closed enum rather than an interface hierarchy so
// that matching and migration code can switch over it exhaustively.
type ScopeKind string

const (
	ScopeNone              ScopeKind = ""
	ScopeProcessDefinition ScopeKind = "processDefinition"
	ScopeProcessInstance   ScopeKind = "processInstance"
	ScopeCaseDefinition    ScopeKind = "caseDefinition"
	ScopeCaseInstance      ScopeKind = "caseInstance"
)

// IsInstance reports whether the scope kind is bound to a running instance.
func (k ScopeKind) IsInstance() bool {
	return k == ScopeProcessInstance || k == ScopeCaseInstance
}

// IsDefinition reports whether the scope kind is bound to a definition version.
func (k ScopeKind) IsDefinition() bool {
	return k == ScopeProcessDefinition || k == ScopeCaseDefinition
}

// EventSubscription is the central persisted entity: a declaration of
// interest in events of one type, optionally narrowed by a correlation key.
//
// A subscription is either definition-bound (ScopeID empty; it starts a new
// instance when matched) or instance-bound (ScopeID set; it resumes the
// owning instance at ElementID). Instance-bound subscriptions are never
// migrated across definition versions.
type EventSubscription struct {
	ID        string
	EventType string

	// CorrelationKey is the canonical encoding of the correlation
	// parameter values this subscription requires. Empty means the
	// subscription matches any event of its type.
	CorrelationKey string

	ScopeKind          ScopeKind
	ScopeDefinitionID  string
	ScopeDefinitionKey string

	// ScopeID is the owning instance ID; set only for instance-bound
	// subscriptions.
	ScopeID string

	// ElementID is the activity / plan item that owns the subscription.
	// Empty for start subscriptions.
	ElementID string

	TenantID    string
	CreatedTime time.Time

	// LockOwner and LockTime are set only while a dispatch is in flight.
	// A lock held past LockExpiry is treated as abandoned and is eligible
	// for takeover by another dispatcher.
	LockOwner  string
	LockTime   time.Time
	LockExpiry time.Time

	// CorrelationParameterNames records which parameter names compose
	// CorrelationKey. Kept alongside the key so the matcher can recompute
	// it from an inbound event's parameter values.
	CorrelationParameterNames []string

	// AutoUpdate marks a definition-bound start subscription that follows
	// the latest version of its definition key on redeploy. Pinned
	// subscriptions (AutoUpdate false) stay on the version that created
	// them until explicitly migrated.
	AutoUpdate bool

	// UniqueStart marks a start subscription that must produce at most one
	// instance per distinct correlation. The uniqueness is enforced by the
	// execution engine at instance level; a violation is a benign skip.
	UniqueStart bool
}

// DefinitionKind identifies a deployable artifact kind. Each kind has its
// own version table in the store.
type DefinitionKind string

const (
	KindProcess DefinitionKind = "process"
	KindCase    DefinitionKind = "case"
	KindEvent   DefinitionKind = "event"
	KindChannel DefinitionKind = "channel"
)

// CorrelationParameter is a named, typed parameter of an event definition.
type CorrelationParameter struct {
	Name string
	Type string

	// Required parameters must be present on every inbound event of this
	// type; their absence is a validation failure, not a non-match.
	Required bool
}

// StartEventDeclaration describes a start trigger declared by a process or
// case definition. Deploying the definition creates one auto-updating start
// subscription per declaration.
type StartEventDeclaration struct {
	EventType                 string
	CorrelationParameterNames []string

	// CorrelationParameterValues, when non-empty, fixes the values the
	// start subscription correlates on (a statically declared key).
	CorrelationParameterValues map[string]any

	// UniqueStart requests once-per-correlation instance creation.
	UniqueStart bool
}

// ElementTriggerDeclaration describes an element of a definition that, once
// a running instance reaches it, subscribes the instance to an event
// (boundary event, receive task, event subprocess).
type ElementTriggerDeclaration struct {
	ElementID                 string
	EventType                 string
	CorrelationParameterNames []string
}

// Definition is one deployed version of a deployable artifact. Immutable
// once deployed; redeploying the same key+tenant creates a new version.
type Definition struct {
	ID       string
	Kind     DefinitionKind
	Key      string
	Version  int
	TenantID string

	// For event definitions.
	CorrelationParameters []CorrelationParameter
	PayloadParameters     []CorrelationParameter

	// For process / case definitions.
	StartEvents     []StartEventDeclaration
	ElementTriggers []ElementTriggerDeclaration

	DeployedAt time.Time
}

// InboundEvent is a decoded event handed in by the channel layer.
// It is transient; it is never persisted.
type InboundEvent struct {
	EventType       string
	TenantID        string
	ParameterValues map[string]any
	Headers         map[string]string
	RawPayload      []byte
}
