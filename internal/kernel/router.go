package kernel

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"ex-kagami/pkg/kagami"
)

// Router turns the hub broadcast into per-guild feeds.
//
// Every feed holds its own hub subscription and affinity index, so feeds for
// different keys agree on every event without coordinating.
type Router struct {
	hub *Hub
	cfg routerConfig
}

// NewRouter creates a router over hub.
func NewRouter(hub *Hub, options ...RouterOption) *Router {
	cfg := defaultRouterConfig()
	for _, option := range options {
		option(&cfg)
	}

	return &Router{hub: hub, cfg: cfg}
}

// FilterFor returns the feed of events belonging to guild key, plus global events.
//
// The feed observes every hub update in order and ends when ctx ends, when it
// is closed, or when the hub stops.
func (r *Router) FilterFor(ctx context.Context, key kagami.ID) (*Feed, error) {
	if key.IsZero() {
		return nil, fmt.Errorf("filter for guild: empty key")
	}

	index, err := NewAffinityIndex(r.cfg.affinityCapacity)
	if err != nil {
		return nil, fmt.Errorf("filter for guild %s: %w", key, err)
	}

	name := "feed-" + key.String()
	sub, err := r.hub.Subscribe(ctx, kagami.SubscriptionSpec{
		Name:         name,
		Buffer:       r.cfg.feedBuffer,
		Backpressure: kagami.BackpressureBlock,
	})
	if err != nil {
		return nil, fmt.Errorf("filter for guild %s: %w", key, err)
	}
	// Seeding after Subscribe leaves no gap: updates the snapshot already
	// holds are replayed by the subscription, and re-binding is idempotent.
	index.Seed(r.hub.State().Current, key)

	feedCtx, cancel := context.WithCancel(ctx)
	feed := &Feed{
		key:          key,
		name:         name,
		index:        index,
		sub:          sub,
		out:          make(chan kagami.Event, r.cfg.feedBuffer),
		ctx:          feedCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
		onAsyncError: r.cfg.onAsyncError,
	}
	go feed.run()

	return feed, nil
}

// Feed is one partitioned event stream.
//
// Its output is bounded; a consumer that falls behind loses the oldest events.
type Feed struct {
	key          kagami.ID
	name         string
	index        *AffinityIndex
	sub          *Subscription
	out          chan kagami.Event
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	onAsyncError func(context.Context, string, error)

	sendMu sync.Mutex
}

// Key returns the partition key.
func (f *Feed) Key() kagami.ID {
	return f.key
}

// Index exposes the feed's affinity index for diagnostics.
func (f *Feed) Index() *AffinityIndex {
	return f.index
}

// Events returns the output channel. It is never closed; stop on Done.
func (f *Feed) Events() <-chan kagami.Event {
	return f.out
}

// Done is closed after the feed stops routing.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Next blocks for the next routed event.
func (f *Feed) Next(ctx context.Context) (kagami.Event, error) {
	select {
	case event := <-f.out:
		return event, nil
	default:
	}

	select {
	case event := <-f.out:
		return event, nil
	case <-f.done:
		return kagami.Event{}, fmt.Errorf("next %s: %w", f.name, kagami.ErrSubscriptionClosed)
	case <-ctx.Done():
		return kagami.Event{}, fmt.Errorf("next %s: %w", f.name, ctx.Err())
	}
}

// All yields routed events until ctx ends, the consumer stops, or the feed stops.
func (f *Feed) All(ctx context.Context) iter.Seq[kagami.Event] {
	return func(yield func(kagami.Event) bool) {
		for {
			event, err := f.Next(ctx)
			if err != nil {
				return
			}
			if !yield(event) {
				return
			}
		}
	}
}

// Close stops routing and releases the hub subscription.
func (f *Feed) Close(ctx context.Context) error {
	f.cancel()

	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close %s: %w", f.name, ctx.Err())
	}
}

// run classifies each hub update exactly once, in hub order.
func (f *Feed) run() {
	defer close(f.done)
	defer func() {
		_ = f.sub.Close(context.Background())
	}()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.sub.Done():
			return
		case update := <-f.sub.Updates():
			if f.index.Admit(f.key, update.Event.Scope()) {
				f.emit(update.Event)
			}
		}
	}
}

// emit hands one event to the consumer, evicting the oldest when full.
func (f *Feed) emit(event kagami.Event) {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()

	select {
	case f.out <- event:
		return
	default:
	}

	select {
	case evicted := <-f.out:
		f.onAsyncError(f.ctx, f.name, fmt.Errorf("emit %s evicted %s: %w", f.name, evicted, kagami.ErrEventDropped))
	default:
	}

	select {
	case f.out <- event:
	default:
		f.onAsyncError(f.ctx, f.name, fmt.Errorf("emit %s: %s: %w", f.name, event, kagami.ErrEventDropped))
	}
}
