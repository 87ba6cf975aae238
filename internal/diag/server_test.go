package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ex-kagami/internal/codec"
	"ex-kagami/internal/kernel"
	"ex-kagami/internal/pipeline"
	"ex-kagami/internal/source"
	"ex-kagami/pkg/kagami"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestKernel(t *testing.T) *kernel.Kernel {
	t.Helper()

	k := kernel.New(
		kernel.WithLogger(quietLogger()),
		kernel.WithAsyncErrorHandler(func(context.Context, string, error) {}),
	)
	t.Cleanup(func() {
		_ = k.Close(context.Background())
	})

	return k
}

func newTestServer(t *testing.T, k Kernel, options ...Option) *httptest.Server {
	t.Helper()

	server, err := New("127.0.0.1:0", k, append([]Option{WithLogger(quietLogger())}, options...)...)
	if err != nil {
		t.Fatalf("new diag server failed: %v", err)
	}
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	return httpServer
}

func getJSON(t *testing.T, url string, wantStatus int, into any) {
	t.Helper()

	response, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s failed: %v", url, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != wantStatus {
		body, _ := io.ReadAll(response.Body)
		t.Fatalf("get %s status = %d, want %d: %s", url, response.StatusCode, wantStatus, body)
	}
	if into != nil {
		if err := json.NewDecoder(response.Body).Decode(into); err != nil {
			t.Fatalf("decode %s failed: %v", url, err)
		}
	}
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStateAndGuildEndpoints(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)
	server := newTestServer(t, k)

	events := []kagami.Event{
		kagami.NewEvent(kagami.Ready{SessionID: "s-1", User: kagami.User{ID: 9}}),
		kagami.NewEvent(kagami.GuildCreate{
			Guild:    kagami.Guild{ID: 7, Name: "g"},
			Channels: []kagami.Channel{{ID: 11, Name: "general"}},
			Members:  []kagami.Member{{User: kagami.User{ID: 9}}},
		}),
	}
	if err := k.PublishMany(context.Background(), events); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	eventually(t, time.Second, func() bool {
		return k.Hub().State().Current.Version() == 2
	})

	var state stateResponse
	getJSON(t, server.URL+"/state", http.StatusOK, &state)
	if state.Hub.Version != 2 || state.SessionID != "s-1" || state.Hub.Counts.Guilds != 1 {
		t.Fatalf("state = %+v", state)
	}

	var guild guildResponse
	getJSON(t, server.URL+"/guilds/7", http.StatusOK, &guild)
	if guild.Guild.Name != "g" || len(guild.Channels) != 1 || guild.Members != 1 {
		t.Fatalf("guild = %+v", guild)
	}
	if guild.Channels[0].GuildID != 7 {
		t.Fatalf("channel guild id = %s, want 7", guild.Channels[0].GuildID)
	}

	getJSON(t, server.URL+"/guilds/8", http.StatusNotFound, nil)
	getJSON(t, server.URL+"/guilds/abc", http.StatusBadRequest, nil)

	var health healthResponse
	getJSON(t, server.URL+"/healthz", http.StatusOK, &health)
	if health.Status != "ok" {
		t.Fatalf("health = %+v", health)
	}
}

type stubPipeline struct {
	send func(request kagami.Request) kagami.Answer
}

func (stubPipeline) Stats() pipeline.Stats {
	return pipeline.Stats{Queued: 2, Accepted: 5}
}

func (stubPipeline) Buckets() pipeline.GateStatus {
	return pipeline.GateStatus{Buckets: []pipeline.BucketStatus{{Key: "abcd", Limit: 5, Remaining: 1}}}
}

func (s stubPipeline) Send(_ context.Context, request kagami.Request) kagami.Answer {
	if s.send == nil {
		return kagami.Answer{Request: request}
	}

	return s.send(request)
}

func TestBucketsEndpoint(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)
	getJSON(t, newTestServer(t, k).URL+"/buckets", http.StatusNotFound, nil)

	var buckets bucketsResponse
	getJSON(t, newTestServer(t, k, WithPipeline(stubPipeline{})).URL+"/buckets", http.StatusOK, &buckets)
	if buckets.Pipeline.Accepted != 5 || len(buckets.Gate.Buckets) != 1 || buckets.Gate.Buckets[0].Key != "abcd" {
		t.Fatalf("buckets = %+v", buckets)
	}
}

type stubInjector struct {
	injected [][]byte
}

func (s *stubInjector) Inject(_ context.Context, raw []byte) error {
	if _, err := codec.Peek(raw); err != nil {
		return err
	}
	s.injected = append(s.injected, raw)

	return nil
}

func TestInjectEndpoint(t *testing.T) {
	t.Parallel()

	injector := &stubInjector{}
	server := newTestServer(t, newTestKernel(t), WithInjectors(map[string]source.Injector{"local": injector}))

	tests := []struct {
		name       string
		source     string
		body       string
		wantStatus int
	}{
		{name: "accepted", source: "local", body: `{"t":"RESUMED"}`, wantStatus: http.StatusAccepted},
		{name: "malformed", source: "local", body: `{"d":{}}`, wantStatus: http.StatusBadRequest},
		{name: "unknown source", source: "remote", body: `{"t":"RESUMED"}`, wantStatus: http.StatusNotFound},
	}

	for _, testCase := range tests {
		response, err := http.Post(
			fmt.Sprintf("%s/sources/%s/events", server.URL, testCase.source),
			"application/json",
			strings.NewReader(testCase.body),
		)
		if err != nil {
			t.Fatalf("%s: post failed: %v", testCase.name, err)
		}
		_ = response.Body.Close()
		if response.StatusCode != testCase.wantStatus {
			t.Fatalf("%s: status = %d, want %d", testCase.name, response.StatusCode, testCase.wantStatus)
		}
	}
	if len(injector.injected) != 1 {
		t.Fatalf("injected %d envelopes, want 1", len(injector.injected))
	}
}

func TestFeedStreamsPartitionedEvents(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)
	server := newTestServer(t, k)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/feeds/7"
	conn, response, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial feed failed: %v", err)
	}
	_ = response.Body.Close()
	defer func() {
		_ = conn.Close()
	}()

	events := []kagami.Event{
		kagami.NewEvent(kagami.GuildCreate{
			Guild:    kagami.Guild{ID: 7},
			Channels: []kagami.Channel{{ID: 11}},
		}),
		kagami.NewEvent(kagami.MessageCreate{Message: kagami.Message{ID: 1, ChannelID: 99, Content: "elsewhere"}}),
		kagami.NewEvent(kagami.MessageCreate{Message: kagami.Message{ID: 2, ChannelID: 11, Content: "here"}}),
	}
	if err := k.PublishMany(context.Background(), events); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []kagami.Event{events[0], events[2]} {
		var frame feedFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame failed: %v", err)
		}
		if frame.ID != want.ID || frame.Type != string(want.Kind()) {
			t.Fatalf("frame = %s %s, want %s", frame.Type, frame.ID, want)
		}
	}
}

func TestFeedClosesWhenHubStops(t *testing.T) {
	t.Parallel()

	k := newTestKernel(t)
	server := newTestServer(t, k)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/feeds/7"
	conn, response, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial feed failed: %v", err)
	}
	_ = response.Body.Close()
	defer func() {
		_ = conn.Close()
	}()

	if err := k.Close(context.Background()); err != nil {
		t.Fatalf("close kernel failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("read after hub stop = %v, want close 1013", err)
	}
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()

	server, err := New("127.0.0.1:0", newTestKernel(t), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new diag server failed: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := server.Start(context.Background()); err == nil {
		t.Fatal("expected second start error")
	}

	response, err := http.Get("http://" + server.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz failed: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", response.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestNewRejectsNilKernel(t *testing.T) {
	t.Parallel()

	if _, err := New(":0", nil); err == nil {
		t.Fatal("expected nil kernel error")
	}
}
