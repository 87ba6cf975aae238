package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ex-kagami/pkg/kagami"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu       sync.Mutex
	events   []kagami.Event
	failures int
}

func (s *recordingSink) Publish(_ context.Context, event kagami.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures > 0 {
		s.failures--
		return kagami.ErrHubClosed
	}
	s.events = append(s.events, event)

	return nil
}

func (s *recordingSink) snapshot() []kagami.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]kagami.Event(nil), s.events...)
}

func startGoChannel(t *testing.T, config string, sink kagami.EventSink) *Watermill {
	t.Helper()

	source, err := BuildGoChannel("local", quietLogger(), []byte(config))
	if err != nil {
		t.Fatalf("build gochannel source failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	startErr := make(chan error, 1)
	go func() {
		startErr <- source.Start(ctx, sink)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-startErr:
			if err != nil {
				t.Errorf("start returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("timed out waiting for source to stop")
		}
		if err := source.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	})

	select {
	case <-source.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("source did not subscribe")
	}

	return source
}

func TestWatermillDeliversInOrder(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	source := startGoChannel(t, `{"topic":"dispatch"}`, sink)

	envelopes := []string{
		`{"t":"GUILD_CREATE","s":1,"d":{"id":"1","name":"g"}}`,
		`{"t":"CHANNEL_CREATE","s":2,"d":{"id":"11","guild_id":"1","type":0}}`,
		`{"t":"TYPING_START","s":3,"d":{}}`,
		`{"t":"MESSAGE_DELETE","s":4,"d":{"id":"5","channel_id":"11"}}`,
	}
	for _, raw := range envelopes {
		if err := source.Inject(context.Background(), []byte(raw)); err != nil {
			t.Fatalf("inject %s failed: %v", raw, err)
		}
	}

	events := sink.snapshot()
	if len(events) != len(envelopes) {
		t.Fatalf("delivered %d events, want %d", len(events), len(envelopes))
	}
	wantKinds := []kagami.EventKind{
		kagami.EventKindGuildCreate,
		kagami.EventKindChannelCreate,
		kagami.EventKindUnknown,
		kagami.EventKindMessageDelete,
	}
	for idx, event := range events {
		if event.Sequence != int64(idx+1) {
			t.Fatalf("event %d sequence = %d, want %d", idx, event.Sequence, idx+1)
		}
		if event.Kind() != wantKinds[idx] {
			t.Fatalf("event %d kind = %q, want %q", idx, event.Kind(), wantKinds[idx])
		}
		if event.ID == "" {
			t.Fatalf("event %d has no id", idx)
		}
	}
	if stats := source.Stats(); stats.Delivered != 4 || stats.Rejected != 0 {
		t.Fatalf("stats = %+v, want 4 delivered", stats)
	}
}

func TestWatermillAcksMalformedEnvelopes(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	source := startGoChannel(t, `{}`, sink)

	if err := source.Inject(context.Background(), []byte(`{"t":`)); err == nil {
		t.Fatal("expected inject to reject invalid json")
	}
	if err := source.Inject(context.Background(), []byte(`{"t":"GUILD_DELETE","d":[1]}`)); err != nil {
		t.Fatalf("inject failed: %v", err)
	}
	if err := source.Inject(context.Background(), []byte(`{"t":"RESUMED"}`)); err != nil {
		t.Fatalf("inject failed: %v", err)
	}

	if stats := source.Stats(); stats.Rejected != 1 || stats.Delivered != 1 {
		t.Fatalf("stats = %+v, want 1 rejected and 1 delivered", stats)
	}
	if events := sink.snapshot(); len(events) != 1 || events[0].Kind() != kagami.EventKindResumed {
		t.Fatalf("delivered events = %v, want only RESUMED", events)
	}
}

func TestWatermillRedeliversRefusedEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{failures: 2}
	source := startGoChannel(t, `{"redelivery_delay":"1ms"}`, sink)

	if err := source.Inject(context.Background(), []byte(`{"t":"RESUMED","s":9}`)); err != nil {
		t.Fatalf("inject failed: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 1 || events[0].Sequence != 9 {
		t.Fatalf("delivered events = %v, want the redelivered RESUMED", events)
	}
	if stats := source.Stats(); stats.Redelivered != 2 || stats.Delivered != 1 {
		t.Fatalf("stats = %+v, want 2 redeliveries then 1 delivery", stats)
	}
}

func TestWatermillStopsWhenSubscriberCloses(t *testing.T) {
	t.Parallel()

	source, err := BuildGoChannel("local", quietLogger(), nil)
	if err != nil {
		t.Fatalf("build gochannel source failed: %v", err)
	}

	startErr := make(chan error, 1)
	go func() {
		startErr <- source.Start(context.Background(), &recordingSink{})
	}()
	<-source.Ready()

	if err := source.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	select {
	case err := <-startErr:
		if !errors.Is(err, kagami.ErrSubscriptionClosed) {
			t.Fatalf("start error = %v, want ErrSubscriptionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after subscriber closed")
	}
}

func TestNewWatermillValidatesArguments(t *testing.T) {
	t.Parallel()

	if _, err := NewWatermill("", "topic", nil); err == nil {
		t.Fatal("expected empty name error")
	}
	if _, err := NewWatermill("name", "", nil); err == nil {
		t.Fatal("expected empty topic error")
	}
	if _, err := NewWatermill("name", "topic", nil); err == nil {
		t.Fatal("expected nil subscriber error")
	}
}
