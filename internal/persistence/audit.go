package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/correl/pkg/api"
)

// DeliveryLog is an append-only audit store for dispatch outcomes.
type DeliveryLog interface {
	AppendDelivery(ctx context.Context, ev api.DeliveryEvent) error
	ListDeliveries(ctx context.Context, subscriptionID string) ([]api.DeliveryEvent, error)
}

// NoopDeliveryLog discards all records.
type NoopDeliveryLog struct{}

func (NoopDeliveryLog) AppendDelivery(ctx context.Context, ev api.DeliveryEvent) error { return nil }
func (NoopDeliveryLog) ListDeliveries(ctx context.Context, subscriptionID string) ([]api.DeliveryEvent, error) {
	return nil, nil
}

// MemoryDeliveryLog keeps records in memory. Intended for tests.
type MemoryDeliveryLog struct {
	mu     sync.Mutex
	events []api.DeliveryEvent
}

func NewMemoryDeliveryLog() *MemoryDeliveryLog {
	return &MemoryDeliveryLog{}
}

var _ DeliveryLog = (*MemoryDeliveryLog)(nil)

func (l *MemoryDeliveryLog) AppendDelivery(ctx context.Context, ev api.DeliveryEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *MemoryDeliveryLog) ListDeliveries(ctx context.Context, subscriptionID string) ([]api.DeliveryEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []api.DeliveryEvent
	for _, ev := range l.events {
		if subscriptionID == "" || ev.SubscriptionID == subscriptionID {
			out = append(out, ev)
		}
	}
	return out, nil
}
