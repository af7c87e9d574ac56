// Package api contains the core building blocks of the correl event
// subscription and correlation engine. It defines the persisted entities,
// the engine interface, the external execution-engine contract, and the
// observability primitives.
//
// Most users interact with the higher-level correl package, which re-exports
// selected types and helpers from this package. The api package is intended
// for advanced use cases, custom integrations, or contributors extending the
// engine itself.
//
// # Concepts
//
// The api package centers around a small set of concepts:
//
//   - Event subscriptions
//   - Definitions and versions
//   - Inbound events and correlation
//   - Dispatch outcomes
//   - Observability
//
// # Event Subscriptions
//
// An EventSubscription declares interest in events of one type on behalf of
// a scope. Definition-bound subscriptions start new instances when matched;
// instance-bound subscriptions resume their owning instance at the
// subscribing element. A subscription may narrow its interest with a
// correlation key, the canonical encoding of named parameter values.
//
// Subscriptions carry a lock owner and lock time while a dispatch is in
// flight. The lock is acquired with a single conditional store update, so
// concurrent dispatchers across processes trigger each subscription at most
// once per event.
//
// # Definitions and Versions
//
// A Definition is one immutable deployed version of a process, case, event,
// or channel artifact, keyed by (key, version, tenant). Redeploying a key
// creates a new version; auto-updating start subscriptions follow the latest
// version, pinned ones stay where they are until explicitly migrated.
//
// # Inbound Events
//
// An InboundEvent is a decoded message handed in by the channel layer. It is
// transient: the engine validates it against the event definition, computes
// candidate subscriptions, and dispatches. Events are never persisted by
// this subsystem.
//
// # Observability
//
// The Observer interface receives dispatch lifecycle callbacks. Ready-made
// implementations include a slog-based LoggingObserver, atomic BasicMetrics,
// and a CompositeObserver to combine them.
//
// # Usage
//
// Most applications should start from the correl package, using the
// SubscriptionBuilder and Engine constructors provided there.
package api
