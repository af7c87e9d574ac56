package persistence

// Persistence bundles the store and the delivery audit log so the engine
// can depend on a single abstraction.
type Persistence struct {
	Store      Store
	Deliveries DeliveryLog
}
