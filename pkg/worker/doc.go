// Package worker provides the background worker used to deliver inbound
// events asynchronously.
//
// Workers consume deliver-event tasks from a task queue, hand each event to
// an engine for matching and dispatch, and apply a retry policy to failed
// deliveries. They are designed to be lightweight and easy to embed in
// existing services, and they can be scaled horizontally for higher
// throughput.
//
// # Worker Responsibilities
//
// A worker is responsible for:
//
//   - Polling a task queue for pending events
//   - Delivering each event through the engine's dispatch protocol
//   - Re-enqueueing failed deliveries with backoff, up to MaxAttempts
//   - Dropping malformed events instead of retrying them
//
// Workers are long-lived components that typically run in dedicated
// goroutines or processes. Multiple workers can safely operate on the same
// queue; the engine's per-subscription locks keep concurrent deliveries of
// the same event from double-triggering.
//
// # Integration with Engine and Queues
//
// Workers are decoupled from any particular persistence backend. They rely
// on the api.Engine interface for dispatch and the task queue interface for
// delivery of work. Different backends (in-memory, SQLite) can be plugged
// in through matching queue implementations.
//
// Most users construct workers through the root package's LocalRunner,
// which wires an engine, an in-memory queue, and workers together with
// sensible defaults. The worker package is useful when building custom
// deployments or new queue backends.
package worker
