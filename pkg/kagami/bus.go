package kagami

// BackpressurePolicy defines how a subscriber queue behaves when full.
type BackpressurePolicy string

const (
	// BackpressureDropNewest drops the incoming update when full.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureDropOldest evicts the oldest queued update before enqueue.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
	// BackpressureBlock holds the hub until queue space is available or the subscription closes.
	BackpressureBlock BackpressurePolicy = "block"
)

// Valid reports whether p is a known policy.
func (p BackpressurePolicy) Valid() bool {
	switch p {
	case BackpressureDropNewest, BackpressureDropOldest, BackpressureBlock:
		return true
	default:
		return false
	}
}

// SubscriptionSpec configures one hub subscription.
type SubscriptionSpec struct {
	// Name identifies the subscription in logs and diagnostics.
	Name string
	// Buffer is the queue depth; zero selects the hub default.
	Buffer int
	// Backpressure selects the full-queue policy; empty selects drop_oldest.
	Backpressure BackpressurePolicy
}
