package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"

	"ex-kagami/internal/kernel"
	"ex-kagami/pkg/kagami"
)

// Projection extracts the caller-relevant view of entity from a post-update state.
type Projection[T any] func(state kagami.State, entity kagami.Entity) (T, bool)

// ProjectCurrent returns the cached copy of entity from the current snapshot.
func ProjectCurrent(state kagami.State, entity kagami.Entity) (kagami.Entity, bool) {
	return kagami.Lookup(state.Current, entity)
}

// SendCorrelated sends request and returns the projection of the cache state its result produced.
//
// The hub subscription is taken before dispatch. The request is sent as
// correlated with hub as its cache publisher, so a successful entity payload
// is published back as a RequestResult event, and the first update carrying
// an equal entity is projected. When no such update arrives within the join
// window the call reports no result, with a nil error, since the request
// itself may still have succeeded.
func SendCorrelated[T any](
	ctx context.Context,
	p *Pipeline,
	hub *kernel.Hub,
	request kagami.Request,
	project Projection[T],
) (T, bool, error) {
	var zero T
	if project == nil {
		return zero, false, fmt.Errorf("send correlated %s: nil projection", request.Route)
	}
	if hub == nil {
		return zero, false, fmt.Errorf("send correlated %s: nil hub", request.Route)
	}
	request.Correlate = true

	sub, err := hub.Subscribe(ctx, kagami.SubscriptionSpec{
		Name:         "correlate-" + request.ID,
		Buffer:       p.cfg.correlationBuffer,
		Backpressure: kagami.BackpressureDropOldest,
	})
	if err != nil {
		return zero, false, fmt.Errorf("send correlated %s: %w", request.Route, err)
	}
	defer func() {
		_ = sub.Close(context.Background())
	}()

	answer := p.send(ctx, request, hub)
	if !answer.OK() {
		return zero, false, answer.Err
	}

	return join(ctx, sub, answer.Payload.(kagami.Entity), project, p.cfg.joinWindow)
}

// publishResult feeds the entity answer of a correlated request into cache.
func publishResult(ctx context.Context, cache kagami.EventSink, request kagami.Request, payload any) error {
	entity, ok := payload.(kagami.Entity)
	if !ok || entity == nil {
		return fmt.Errorf("publish result of %s: %T: %w", request.Route, payload, kagami.ErrNotCorrelatable)
	}

	result := kagami.NewEvent(kagami.RequestResult{Route: request.Route.Key(), Entity: entity})
	if err := cache.Publish(ctx, result); err != nil {
		return fmt.Errorf("publish result of %s: %w", request.Route, err)
	}

	return nil
}

// join scans sub for the update produced by entity, keeping the latest update seen.
func join[T any](
	ctx context.Context,
	sub *kernel.Subscription,
	entity kagami.Entity,
	project Projection[T],
	window time.Duration,
) (T, bool, error) {
	var zero T
	timer := time.NewTimer(window)
	defer timer.Stop()

	var last *kagami.Update
	for {
		select {
		case update := <-sub.Updates():
			last = &update
			if carries(update.Event, entity) {
				if value, ok := project(update.State, entity); ok {
					return value, true, nil
				}
			}
		case <-sub.Done():
			return settle(last, entity, project)
		case <-timer.C:
			return settle(last, entity, project)
		case <-ctx.Done():
			return zero, false, fmt.Errorf("join %s: %w", sub.Name(), ctx.Err())
		}
	}
}

// settle checks the latest retained state once more before giving up.
func settle[T any](last *kagami.Update, entity kagami.Entity, project Projection[T]) (T, bool, error) {
	var zero T
	if last == nil {
		return zero, false, nil
	}

	cached, found := kagami.Lookup(last.State.Current, entity)
	if !found || !cmp.Equal(cached, entity) {
		return zero, false, nil
	}
	value, ok := project(last.State, entity)
	if !ok {
		return zero, false, nil
	}

	return value, true, nil
}

// carries reports whether event encodes a payload equal to entity.
func carries(event kagami.Event, entity kagami.Entity) bool {
	candidate, ok := kagami.EntityOf(event.Payload)
	if !ok {
		return false
	}

	return cmp.Equal(candidate, entity)
}
