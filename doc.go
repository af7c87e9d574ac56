// Package correl provides an embeddable event subscription and correlation
// engine for Go.
//
// Correl sits between inbound event channels and a process or case runtime:
// it records which definitions and instances are interested in which events,
// matches each inbound event against those subscriptions by event type and
// correlation key, and dispatches every match exactly once even when several
// engine instances share one store. It runs fully in Go, supports multiple
// persistence backends, and integrates cleanly into existing codebases.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. ExecutionEngine
//  3. SubscriptionBuilder
//  4. Worker
//  5. LocalRunner
//
// # Engine
//
// The Engine stores deployed definition versions and event subscriptions,
// and provides APIs to:
//   - deploy and undeploy definition versions
//   - register manual and instance-bound subscriptions
//   - match and deliver inbound events
//   - migrate pinned subscriptions between versions
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//
// Multiple engine processes may share one store; a per-subscription lock
// taken during dispatch keeps concurrent deliveries from double-triggering,
// and a change marker lets each process detect deployments made by the
// others.
//
// # ExecutionEngine
//
// Correl does not run processes itself. The embedding application supplies
// an ExecutionEngine that starts new instances for matched start
// subscriptions and resumes waiting instances for matched instance-bound
// subscriptions. Unique-start enforcement lives there too: returning
// ErrInstanceExists from StartInstance makes the dispatcher skip the
// duplicate instead of failing the delivery.
//
// # SubscriptionBuilder
//
// SubscriptionBuilder is the ergonomic way to register manual
// subscriptions:
//
//	sub, err := correl.NewSubscription("payment.received").
//	    ForProcessKey("invoice-handling").
//	    Parameter("orderId", "A-1001").
//	    Register(ctx, eng)
//
// # Worker and LocalRunner
//
// The worker package delivers events asynchronously from a task queue, with
// retry and backoff. LocalRunner bundles an in-memory engine, queue and
// worker pool for development and tests.
//
// See the package examples for typical usage.
package correl
