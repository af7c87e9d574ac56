package api

import "time"

// DeliveryEventType identifies an audit record kind.
type DeliveryEventType string

const (
	DeliveryEventTriggered DeliveryEventType = "delivery.triggered"
	DeliveryEventSkipped   DeliveryEventType = "delivery.skipped"
	DeliveryEventFailed    DeliveryEventType = "delivery.failed"
)

// DeliveryEvent is a minimal append-only audit record for dispatch
// outcomes. It is intentionally small and stable; richer history can be
// layered later.
type DeliveryEvent struct {
	SubscriptionID string
	EventType      string
	TenantID       string
	At             time.Time
	Type           DeliveryEventType

	// Small, human-oriented details (e.g. skip reason, error string).
	// Keep this low-volume: do NOT dump event payloads here.
	Detail string
}
