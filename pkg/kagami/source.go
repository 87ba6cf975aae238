package kagami

import "context"

// EventSink accepts decoded events for ingestion.
type EventSink interface {
	// Publish submits one event to the hub.
	Publish(ctx context.Context, event Event) error
}

// Source adapts an upstream event stream into hub events.
//
// Sources own connection concerns and publish events in arrival order.
type Source interface {
	// Name returns a stable source identifier.
	Name() string
	// Start consumes upstream events and publishes them into sink.
	// It should return only after context cancellation or fatal error.
	Start(ctx context.Context, sink EventSink) error
	// Shutdown stops resources that are not tied to the Start context alone.
	Shutdown(ctx context.Context) error
}
