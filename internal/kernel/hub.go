package kernel

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"ex-kagami/pkg/kagami"
)

const drainSubscriptionName = "hub-drain"

// HubStats summarizes hub activity for diagnostics.
type HubStats struct {
	Version     uint64        `json:"version"`
	Subscribers int           `json:"subscribers"`
	Dropped     uint64        `json:"dropped"`
	Pending     int           `json:"pending"`
	Counts      kagami.Counts `json:"counts"`
}

// Hub is the single-writer event pump owning the current snapshot.
//
// Events are applied one at a time in arrival order. Each update is handed to
// every subscriber before the next event is taken.
type Hub struct {
	ingress chan kagami.Event
	state   atomic.Pointer[kagami.State]
	advance func(*kagami.Snapshot, kagami.Event) *kagami.Snapshot

	mu            sync.RWMutex
	nextID        int64
	closed        bool
	subscriptions map[int64]*Subscription

	defaultBuffer int
	onAsyncError  func(context.Context, string, error)
	dropped       atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	faultOnce sync.Once
	fault     atomic.Pointer[error]
}

// NewHub creates a hub at version 0 and starts its pump.
func NewHub(options ...HubOption) *Hub {
	cfg := defaultHubConfig()
	for _, option := range options {
		option(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := &Hub{
		ingress:       make(chan kagami.Event, cfg.ingressBuffer),
		advance:       cfg.advance,
		subscriptions: make(map[int64]*Subscription),
		defaultBuffer: cfg.subscriberBuffer,
		onAsyncError:  cfg.onAsyncError,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	hub.state.Store(&kagami.State{Current: cfg.initial})

	drain, err := hub.Subscribe(context.Background(), kagami.SubscriptionSpec{
		Name:         drainSubscriptionName,
		Buffer:       1,
		Backpressure: kagami.BackpressureDropOldest,
	})
	if err == nil {
		drain.internal = true
		go drain.discard()
	}

	go hub.run()

	return hub
}

// Publish enqueues one event and returns once it is queued.
func (h *Hub) Publish(ctx context.Context, event kagami.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish event %s: %w", event, err)
	}
	if h.ctx.Err() != nil {
		return fmt.Errorf("publish event %s: %w", event, h.closedErr())
	}

	select {
	case h.ingress <- event:
		return nil
	case <-h.ctx.Done():
		return fmt.Errorf("publish event %s: %w", event, h.closedErr())
	case <-ctx.Done():
		return fmt.Errorf("publish event %s: %w", event, ctx.Err())
	}
}

// PublishMany enqueues events in order, stopping at the first failure.
func (h *Hub) PublishMany(ctx context.Context, events []kagami.Event) error {
	for idx, event := range events {
		if err := h.Publish(ctx, event); err != nil {
			return fmt.Errorf("publish many at %d/%d: %w", idx+1, len(events), err)
		}
	}

	return nil
}

// Subscribe registers one independent feed starting at the next applied event.
func (h *Hub) Subscribe(ctx context.Context, spec kagami.SubscriptionSpec) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if spec.Backpressure != "" && !spec.Backpressure.Valid() {
		return nil, fmt.Errorf("subscribe %s: %w: backpressure %q", spec.Name, kagami.ErrInvalidSubscription, spec.Backpressure)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	subID := h.nextID
	spec = h.normalizeSpec(spec, subID)
	if h.closed {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, h.closedErr())
	}

	sub := newSubscription(subID, spec, h)
	h.subscriptions[subID] = sub

	return sub, nil
}

// State returns the latest published state.
func (h *Hub) State() kagami.State {
	return *h.state.Load()
}

// Err returns the reducer fault that stopped the hub, or nil.
func (h *Hub) Err() error {
	if fault := h.fault.Load(); fault != nil {
		return *fault
	}

	return nil
}

// Done is closed once the pump has stopped, by Close or by a reducer fault.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Stats returns current counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	subscribers := len(h.subscriptions)
	h.mu.RUnlock()

	current := h.State().Current

	return HubStats{
		Version:     current.Version(),
		Subscribers: subscribers,
		Dropped:     h.dropped.Load(),
		Pending:     len(h.ingress),
		Counts:      current.Counts(),
	}
}

// Close stops the pump and every subscription. Queued events are discarded.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.takeSubscriptionsLocked()
	h.mu.Unlock()

	h.cancel()

	var closeErrs []error
	select {
	case <-h.done:
	case <-ctx.Done():
		closeErrs = append(closeErrs, fmt.Errorf("wait hub pump: %w", ctx.Err()))
	}
	for _, sub := range subs {
		sub.signalClose()
	}

	if len(closeErrs) > 0 {
		return fmt.Errorf("close hub: %w", errors.Join(closeErrs...))
	}

	return nil
}

// run is the pump loop: apply, store, broadcast, then take the next event.
func (h *Hub) run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			return
		case event := <-h.ingress:
			if err := h.apply(event); err != nil {
				h.fail(err)
				return
			}
		}
	}
}

// apply reduces one event and broadcasts the resulting state.
func (h *Hub) apply(event kagami.Event) error {
	previous := h.state.Load().Current

	var next *kagami.Snapshot
	if err := runSafely("hub reducer "+event.String(), func() error {
		next = h.advance(previous, event)
		return nil
	}); err != nil {
		return fmt.Errorf("%w: %w", kagami.ErrReducerFault, err)
	}
	if next == nil || next.Version() != previous.Version()+1 {
		return fmt.Errorf("%w: %s produced version %d after %d",
			kagami.ErrReducerFault, event, next.Version(), previous.Version())
	}

	state := &kagami.State{Current: next, Previous: previous}
	h.state.Store(state)
	h.broadcast(kagami.Update{Event: event, State: *state})

	return nil
}

// broadcast hands one update to every subscriber registered at this point.
func (h *Hub) broadcast(update kagami.Update) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subscriptions))
	for _, sub := range h.subscriptions {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		err := sub.deliver(h.ctx, update)
		if err == nil || sub.internal || errors.Is(err, kagami.ErrSubscriptionClosed) {
			continue
		}
		if errors.Is(err, kagami.ErrEventDropped) {
			h.dropped.Add(1)
		}
		h.reportAsyncError(h.ctx, sub.spec.Name, err)
	}
}

// fail records a reducer fault and tears the hub down.
func (h *Hub) fail(err error) {
	h.faultOnce.Do(func() {
		h.fault.Store(&err)
	})
	h.reportAsyncError(context.Background(), "hub", err)

	h.mu.Lock()
	h.closed = true
	subs := h.takeSubscriptionsLocked()
	h.mu.Unlock()

	h.cancel()
	for _, sub := range subs {
		sub.signalClose()
	}
}

func (h *Hub) takeSubscriptionsLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(h.subscriptions))
	for _, sub := range h.subscriptions {
		subs = append(subs, sub)
	}
	h.subscriptions = make(map[int64]*Subscription)

	return subs
}

func (h *Hub) closedErr() error {
	if err := h.Err(); err != nil {
		return err
	}

	return kagami.ErrHubClosed
}

// normalizeSpec applies runtime defaults when callers omit optional fields.
func (h *Hub) normalizeSpec(spec kagami.SubscriptionSpec, subID int64) kagami.SubscriptionSpec {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", subID)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = h.defaultBuffer
	}
	if spec.Backpressure == "" {
		spec.Backpressure = kagami.BackpressureDropOldest
	}

	return spec
}

// unsubscribe removes one subscription by id.
func (h *Hub) unsubscribe(subID int64) {
	h.mu.Lock()
	sub, found := h.subscriptions[subID]
	if found {
		delete(h.subscriptions, subID)
	}
	h.mu.Unlock()

	if found {
		sub.signalClose()
	}
}

// reportAsyncError forwards background failures to the configured error sink.
func (h *Hub) reportAsyncError(ctx context.Context, scope string, err error) {
	if h.onAsyncError != nil {
		h.onAsyncError(ctx, scope, err)
	}
}

// Subscription is one independent, bounded feed of hub updates.
//
// The Updates channel is never closed; consumers stop on Done.
type Subscription struct {
	id      int64
	spec    kagami.SubscriptionSpec
	queue   chan kagami.Update
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
	hub     *Hub
	// internal marks the hub-owned drain, excluded from drop reporting.
	internal bool

	// sendMu serializes the evict-then-send sequence of drop_oldest.
	sendMu sync.Mutex
}

func newSubscription(subID int64, spec kagami.SubscriptionSpec, hub *Hub) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())

	return &Subscription{
		id:     subID,
		spec:   spec,
		queue:  make(chan kagami.Update, spec.Buffer),
		ctx:    ctx,
		cancel: cancel,
		hub:    hub,
	}
}

// Name returns the stable subscription name.
func (s *Subscription) Name() string {
	return s.spec.Name
}

// Updates returns the delivery channel.
func (s *Subscription) Updates() <-chan kagami.Update {
	return s.queue
}

// Done is closed when the subscription is closed or the hub stops.
func (s *Subscription) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Dropped returns how many updates this subscription lost to backpressure.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Next blocks for the next update.
func (s *Subscription) Next(ctx context.Context) (kagami.Update, error) {
	select {
	case update := <-s.queue:
		return update, nil
	default:
	}

	select {
	case update := <-s.queue:
		return update, nil
	case <-s.ctx.Done():
		return kagami.Update{}, fmt.Errorf("next %s: %w", s.spec.Name, kagami.ErrSubscriptionClosed)
	case <-ctx.Done():
		return kagami.Update{}, fmt.Errorf("next %s: %w", s.spec.Name, ctx.Err())
	}
}

// All yields updates until ctx ends, the consumer stops, or the subscription closes.
func (s *Subscription) All(ctx context.Context) iter.Seq[kagami.Update] {
	return func(yield func(kagami.Update) bool) {
		for {
			update, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(update) {
				return
			}
		}
	}
}

// Close unregisters this subscription from its hub.
func (s *Subscription) Close(_ context.Context) error {
	s.hub.unsubscribe(s.id)
	return nil
}

// deliver applies the configured backpressure policy.
func (s *Subscription) deliver(hubCtx context.Context, update kagami.Update) error {
	if s.closed.Load() {
		return fmt.Errorf("deliver %s: %w", s.spec.Name, kagami.ErrSubscriptionClosed)
	}

	var err error
	switch s.spec.Backpressure {
	case kagami.BackpressureDropNewest:
		err = s.deliverDropNewest(update)
	case kagami.BackpressureDropOldest:
		err = s.deliverDropOldest(update)
	case kagami.BackpressureBlock:
		err = s.deliverBlock(hubCtx, update)
	default:
		err = fmt.Errorf("deliver %s: %w", s.spec.Name, kagami.ErrInvalidSubscription)
	}
	if errors.Is(err, kagami.ErrEventDropped) {
		s.dropped.Add(1)
	}

	return err
}

// deliverDropNewest drops the incoming update when the queue is full.
func (s *Subscription) deliverDropNewest(update kagami.Update) error {
	select {
	case s.queue <- update:
		return nil
	default:
		return fmt.Errorf("deliver %s version %d: %w", s.spec.Name, update.State.Current.Version(), kagami.ErrEventDropped)
	}
}

// deliverDropOldest evicts one queued update before enqueueing the new one.
func (s *Subscription) deliverDropOldest(update kagami.Update) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case s.queue <- update:
		return nil
	default:
	}

	var evicted kagami.Update
	select {
	case evicted = <-s.queue:
	default:
	}

	select {
	case s.queue <- update:
		if evicted.State.Current == nil {
			return nil
		}
		return fmt.Errorf("deliver %s evicted version %d: %w",
			s.spec.Name, evicted.State.Current.Version(), kagami.ErrEventDropped)
	default:
		return fmt.Errorf("deliver %s version %d: %w", s.spec.Name, update.State.Current.Version(), kagami.ErrEventDropped)
	}
}

// deliverBlock waits for queue capacity, subscription close, or hub shutdown.
func (s *Subscription) deliverBlock(hubCtx context.Context, update kagami.Update) error {
	select {
	case s.queue <- update:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("deliver %s: %w", s.spec.Name, kagami.ErrSubscriptionClosed)
	case <-hubCtx.Done():
		return fmt.Errorf("deliver %s: %w", s.spec.Name, hubCtx.Err())
	}
}

// discard drains the queue until the subscription closes.
func (s *Subscription) discard() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.queue:
		}
	}
}

// signalClose marks the subscription closed exactly once.
func (s *Subscription) signalClose() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}
