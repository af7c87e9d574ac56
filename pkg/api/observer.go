package api

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Observer receives callbacks from the correlation engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay event dispatch.
type Observer interface {
	// OnEventReceived is called once per delivered event, after validation
	// and before matching.
	OnEventReceived(ctx context.Context, ev InboundEvent)

	// OnSubscriptionTriggered is called after a subscription's bound action
	// ran successfully.
	OnSubscriptionTriggered(ctx context.Context, ev InboundEvent, sub *EventSubscription, startedInstanceID string)

	// OnSubscriptionSkipped is called when a candidate was not triggered:
	// lock contention, failed revalidation, or a unique-start conflict.
	OnSubscriptionSkipped(ctx context.Context, ev InboundEvent, sub *EventSubscription, reason string)

	// OnTriggerFailed is called when the execution engine returned an error
	// for a locked candidate. The lock has already been released.
	OnTriggerFailed(ctx context.Context, ev InboundEvent, sub *EventSubscription, err error)

	// OnReconciled is called after a change-detector cycle that observed a
	// marker change. loaded/evicted/reloaded count cache entries.
	OnReconciled(ctx context.Context, loaded, evicted, reloaded int)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnEventReceived(ctx context.Context, ev InboundEvent) {}
func (NoopObserver) OnSubscriptionTriggered(ctx context.Context, ev InboundEvent, sub *EventSubscription, id string) {
}
func (NoopObserver) OnSubscriptionSkipped(ctx context.Context, ev InboundEvent, sub *EventSubscription, reason string) {
}
func (NoopObserver) OnTriggerFailed(ctx context.Context, ev InboundEvent, sub *EventSubscription, err error) {
}
func (NoopObserver) OnReconciled(ctx context.Context, loaded, evicted, reloaded int) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnEventReceived(ctx context.Context, ev InboundEvent) {
	for _, o := range c.observers {
		o.OnEventReceived(ctx, ev)
	}
}

func (c *CompositeObserver) OnSubscriptionTriggered(ctx context.Context, ev InboundEvent, sub *EventSubscription, id string) {
	for _, o := range c.observers {
		o.OnSubscriptionTriggered(ctx, ev, sub, id)
	}
}

func (c *CompositeObserver) OnSubscriptionSkipped(ctx context.Context, ev InboundEvent, sub *EventSubscription, reason string) {
	for _, o := range c.observers {
		o.OnSubscriptionSkipped(ctx, ev, sub, reason)
	}
}

func (c *CompositeObserver) OnTriggerFailed(ctx context.Context, ev InboundEvent, sub *EventSubscription, err error) {
	for _, o := range c.observers {
		o.OnTriggerFailed(ctx, ev, sub, err)
	}
}

func (c *CompositeObserver) OnReconciled(ctx context.Context, loaded, evicted, reloaded int) {
	for _, o := range c.observers {
		o.OnReconciled(ctx, loaded, evicted, reloaded)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs dispatch lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnEventReceived(ctx context.Context, ev InboundEvent) {
	o.Logger.DebugContext(ctx, "event_received",
		slog.String("event_type", ev.EventType),
		slog.String("tenant_id", ev.TenantID),
	)
}

func (o *LoggingObserver) OnSubscriptionTriggered(ctx context.Context, ev InboundEvent, sub *EventSubscription, id string) {
	o.Logger.InfoContext(ctx, "subscription_triggered",
		slog.String("event_type", ev.EventType),
		slog.String("subscription_id", sub.ID),
		slog.String("scope_kind", string(sub.ScopeKind)),
		slog.String("started_instance_id", id),
	)
}

func (o *LoggingObserver) OnSubscriptionSkipped(ctx context.Context, ev InboundEvent, sub *EventSubscription, reason string) {
	o.Logger.DebugContext(ctx, "subscription_skipped",
		slog.String("event_type", ev.EventType),
		slog.String("subscription_id", sub.ID),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnTriggerFailed(ctx context.Context, ev InboundEvent, sub *EventSubscription, err error) {
	o.Logger.ErrorContext(ctx, "trigger_failed",
		slog.String("event_type", ev.EventType),
		slog.String("subscription_id", sub.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnReconciled(ctx context.Context, loaded, evicted, reloaded int) {
	o.Logger.InfoContext(ctx, "definitions_reconciled",
		slog.Int("loaded", loaded),
		slog.Int("evicted", evicted),
		slog.Int("reloaded", reloaded),
	)
}

// BasicMetrics collects simple counters over dispatch outcomes.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	eventsReceived atomic.Int64
	triggered      atomic.Int64
	skipped        atomic.Int64
	failed         atomic.Int64
	reconciles     atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	EventsReceived int64
	Triggered      int64
	Skipped        int64
	Failed         int64
	Reconciles     int64
}

func (m *BasicMetrics) OnEventReceived(ctx context.Context, ev InboundEvent) {
	m.eventsReceived.Add(1)
}

func (m *BasicMetrics) OnSubscriptionTriggered(ctx context.Context, ev InboundEvent, sub *EventSubscription, id string) {
	m.triggered.Add(1)
}

func (m *BasicMetrics) OnSubscriptionSkipped(ctx context.Context, ev InboundEvent, sub *EventSubscription, reason string) {
	m.skipped.Add(1)
}

func (m *BasicMetrics) OnTriggerFailed(ctx context.Context, ev InboundEvent, sub *EventSubscription, err error) {
	m.failed.Add(1)
}

func (m *BasicMetrics) OnReconciled(ctx context.Context, loaded, evicted, reloaded int) {
	m.reconciles.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	return BasicMetricsSnapshot{
		EventsReceived: m.eventsReceived.Load(),
		Triggered:      m.triggered.Load(),
		Skipped:        m.skipped.Load(),
		Failed:         m.failed.Load(),
		Reconciles:     m.reconciles.Load(),
	}
}
