package kagami

import "errors"

var (
	// ErrInvalidEvent indicates that an event does not satisfy envelope invariants.
	ErrInvalidEvent = errors.New("kagami: invalid event")
	// ErrInvalidSubscription indicates that a subscription configuration is invalid.
	ErrInvalidSubscription = errors.New("kagami: invalid subscription")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("kagami: subscription closed")
	// ErrEventDropped indicates a non-blocking backpressure drop.
	ErrEventDropped = errors.New("kagami: event dropped due to backpressure")
	// ErrHubClosed indicates that the hub no longer accepts events or subscribers.
	ErrHubClosed = errors.New("kagami: hub closed")
	// ErrReducerFault indicates that the reducer failed and the hub state is no longer trusted.
	ErrReducerFault = errors.New("kagami: reducer fault")
	// ErrInvalidRequest indicates that a request descriptor is malformed.
	ErrInvalidRequest = errors.New("kagami: invalid request")
	// ErrPipelineClosed indicates that the request pipeline no longer accepts requests.
	ErrPipelineClosed = errors.New("kagami: pipeline closed")
	// ErrNotCorrelatable indicates a successful answer without a cacheable entity.
	ErrNotCorrelatable = errors.New("kagami: answer payload is not a cache entity")
	// ErrSourceAlreadyRegistered indicates duplicate event source registration.
	ErrSourceAlreadyRegistered = errors.New("kagami: source already registered")
)
