package kernel

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ex-kagami/pkg/kagami"
)

func newTestHub(t *testing.T, options ...HubOption) *Hub {
	t.Helper()

	options = append([]HubOption{WithHubAsyncErrorHandler(func(context.Context, string, error) {})}, options...)
	hub := NewHub(options...)
	t.Cleanup(func() {
		_ = hub.Close(context.Background())
	})

	return hub
}

func messageEvent(id kagami.ID) kagami.Event {
	return kagami.NewEvent(kagami.MessageCreate{Message: kagami.Message{
		ID:        id,
		ChannelID: 1,
		GuildID:   1,
		Content:   fmt.Sprintf("message %d", id),
	}})
}

func nextUpdate(t *testing.T, sub *Subscription) kagami.Update {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	update, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next update: %v", err)
	}

	return update
}

// TestHubMonotonicVersions verifies subscribers observe consecutive versions in publish order.
func TestHubMonotonicVersions(t *testing.T) {
	t.Parallel()

	const total = 50
	hub := newTestHub(t)
	sub, err := hub.Subscribe(context.Background(), kagami.SubscriptionSpec{
		Name:         "ordered",
		Buffer:       total,
		Backpressure: kagami.BackpressureBlock,
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	events := make([]kagami.Event, 0, total)
	for idx := 1; idx <= total; idx++ {
		events = append(events, messageEvent(kagami.ID(idx)))
	}
	if err := hub.PublishMany(context.Background(), events); err != nil {
		t.Fatalf("publish many failed: %v", err)
	}

	for idx := 1; idx <= total; idx++ {
		update := nextUpdate(t, sub)
		if got, want := update.State.Current.Version(), uint64(idx); got != want {
			t.Fatalf("update %d version = %d, want %d", idx, got, want)
		}
		if got, want := update.State.Previous.Version(), uint64(idx-1); got != want {
			t.Fatalf("update %d previous version = %d, want %d", idx, got, want)
		}
		if update.Event.ID != events[idx-1].ID {
			t.Fatalf("update %d event = %s, want %s", idx, update.Event, events[idx-1])
		}
	}
}

// TestHubSlowSubscriberDoesNotStallOthers verifies per-subscriber backpressure isolation.
func TestHubSlowSubscriberDoesNotStallOthers(t *testing.T) {
	t.Parallel()

	const total = 40
	hub := newTestHub(t)
	slow, err := hub.Subscribe(context.Background(), kagami.SubscriptionSpec{Name: "slow", Buffer: 1})
	if err != nil {
		t.Fatalf("subscribe slow failed: %v", err)
	}
	fast, err := hub.Subscribe(context.Background(), kagami.SubscriptionSpec{Name: "fast", Buffer: total})
	if err != nil {
		t.Fatalf("subscribe fast failed: %v", err)
	}

	for idx := 1; idx <= total; idx++ {
		if err := hub.Publish(context.Background(), messageEvent(kagami.ID(idx))); err != nil {
			t.Fatalf("publish %d failed: %v", idx, err)
		}
	}

	for idx := 1; idx <= total; idx++ {
		update := nextUpdate(t, fast)
		if got, want := update.State.Current.Version(), uint64(idx); got != want {
			t.Fatalf("fast subscriber version = %d, want %d", got, want)
		}
	}

	eventually(t, time.Second, func() bool {
		return slow.Dropped() == total-1
	})
	latest := nextUpdate(t, slow)
	if got := latest.State.Current.Version(); got != total {
		t.Fatalf("slow subscriber kept version %d, want newest %d", got, total)
	}
	if got := hub.Stats().Dropped; got != total-1 {
		t.Fatalf("hub dropped = %d, want %d", got, total-1)
	}
}

// TestHubDrainSubscriptionExistsAtCreation verifies publishing never waits for a first subscriber.
func TestHubDrainSubscriptionExistsAtCreation(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t, WithHubIngressBuffer(4))
	if got := hub.Stats().Subscribers; got != 1 {
		t.Fatalf("subscribers at creation = %d, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for idx := 1; idx <= 100; idx++ {
		if err := hub.Publish(ctx, messageEvent(kagami.ID(idx))); err != nil {
			t.Fatalf("publish %d failed: %v", idx, err)
		}
	}

	eventually(t, time.Second, func() bool {
		return hub.State().Current.Version() == 100
	})
}

// TestHubLateSubscriberHasNoReplay verifies feeds start at the next applied event.
func TestHubLateSubscriberHasNoReplay(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)
	if err := hub.Publish(context.Background(), messageEvent(1)); err != nil {
		t.Fatalf("publish first failed: %v", err)
	}
	eventually(t, time.Second, func() bool {
		return hub.State().Current.Version() == 1
	})

	sub, err := hub.Subscribe(context.Background(), kagami.SubscriptionSpec{Name: "late"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	second := messageEvent(2)
	if err := hub.Publish(context.Background(), second); err != nil {
		t.Fatalf("publish second failed: %v", err)
	}

	update := nextUpdate(t, sub)
	if update.Event.ID != second.ID || update.State.Current.Version() != 2 {
		t.Fatalf("first update = %s v%d, want %s v2", update.Event, update.State.Current.Version(), second)
	}
}

// TestHubSubscribersShareSnapshots verifies one snapshot value per version across subscribers.
func TestHubSubscribersShareSnapshots(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)
	first, err := hub.Subscribe(context.Background(), kagami.SubscriptionSpec{Name: "first"})
	if err != nil {
		t.Fatalf("subscribe first failed: %v", err)
	}
	second, err := hub.Subscribe(context.Background(), kagami.SubscriptionSpec{Name: "second"})
	if err != nil {
		t.Fatalf("subscribe second failed: %v", err)
	}

	for idx := 1; idx <= 3; idx++ {
		if err := hub.Publish(context.Background(), messageEvent(kagami.ID(idx))); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	for idx := 1; idx <= 3; idx++ {
		left := nextUpdate(t, first)
		right := nextUpdate(t, second)
		if left.State.Current != right.State.Current {
			t.Fatalf("version %d delivered different snapshots", idx)
		}
	}
}

// TestHubReducerFaultIsFatal verifies a reducer panic stops the hub and rejects publishes.
func TestHubReducerFaultIsFatal(t *testing.T) {
	t.Parallel()

	faults := make(chan error, 1)
	hub := newTestHub(t,
		withHubAdvance(func(s *kagami.Snapshot, event kagami.Event) *kagami.Snapshot {
			if event.Kind() == kagami.EventKindGuildDelete {
				panic("corrupt guild")
			}
			return kagami.Advance(s, event)
		}),
		WithHubAsyncErrorHandler(func(_ context.Context, scope string, err error) {
			if scope == "hub" {
				faults <- err
			}
		}),
	)
	sub, err := hub.Subscribe(context.Background(), kagami.SubscriptionSpec{Name: "observer"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := hub.Publish(context.Background(), messageEvent(1)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := hub.Publish(context.Background(), kagami.NewEvent(kagami.GuildDelete{GuildID: 1})); err != nil {
		t.Fatalf("publish poison failed: %v", err)
	}

	select {
	case fault := <-faults:
		if !errors.Is(fault, kagami.ErrReducerFault) {
			t.Fatalf("fault = %v, want ErrReducerFault", fault)
		}
		var panicErr *PanicError
		if !errors.As(fault, &panicErr) || panicErr.Value != "corrupt guild" {
			t.Fatalf("fault = %v, want wrapped PanicError", fault)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reducer fault")
	}

	select {
	case <-hub.Done():
	case <-time.After(time.Second):
		t.Fatal("hub pump still running after fault")
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription still open after fault")
	}
	if got := hub.State().Current.Version(); got != 1 {
		t.Fatalf("version after fault = %d, want last good version 1", got)
	}
	if err := hub.Publish(context.Background(), messageEvent(2)); !errors.Is(err, kagami.ErrReducerFault) {
		t.Fatalf("publish after fault = %v, want ErrReducerFault", err)
	}
	if _, err := hub.Subscribe(context.Background(), kagami.SubscriptionSpec{}); !errors.Is(err, kagami.ErrReducerFault) {
		t.Fatalf("subscribe after fault = %v, want ErrReducerFault", err)
	}
}

// TestHubCloseRejectsPublish verifies closed hubs refuse new work.
func TestHubCloseRejectsPublish(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)
	sub, err := hub.Subscribe(context.Background(), kagami.SubscriptionSpec{Name: "closing"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := hub.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if err := hub.Publish(context.Background(), messageEvent(1)); !errors.Is(err, kagami.ErrHubClosed) {
		t.Fatalf("publish after close = %v, want ErrHubClosed", err)
	}
	if _, err := sub.Next(context.Background()); !errors.Is(err, kagami.ErrSubscriptionClosed) {
		t.Fatalf("next after close = %v, want ErrSubscriptionClosed", err)
	}
}

// TestHubRejectsInvalidPolicy verifies subscription spec validation.
func TestHubRejectsInvalidPolicy(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)
	_, err := hub.Subscribe(context.Background(), kagami.SubscriptionSpec{Backpressure: "spill"})
	if !errors.Is(err, kagami.ErrInvalidSubscription) {
		t.Fatalf("subscribe error = %v, want ErrInvalidSubscription", err)
	}
}

// TestSubscriptionAllStopsOnClose verifies the iterator ends when the subscription closes.
func TestSubscriptionAllStopsOnClose(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)
	sub, err := hub.Subscribe(context.Background(), kagami.SubscriptionSpec{Name: "iter"})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for idx := 1; idx <= 2; idx++ {
		if err := hub.Publish(context.Background(), messageEvent(kagami.ID(idx))); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	seen := 0
	for update := range sub.All(context.Background()) {
		seen++
		if update.State.Current.Version() == 2 {
			_ = sub.Close(context.Background())
		}
	}
	if seen != 2 {
		t.Fatalf("iterated %d updates, want 2", seen)
	}
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}
