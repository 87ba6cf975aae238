package kagami

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func seededSnapshot(t *testing.T) *Snapshot {
	t.Helper()

	s := NewSnapshot()
	for _, payload := range []Payload{
		Ready{SessionID: "session-1", User: User{ID: 1, Username: "kagami"}, Guilds: []Guild{{ID: 10}}},
		GuildCreate{
			Guild:    Guild{ID: 10, Name: "home"},
			Channels: []Channel{{ID: 100, Name: "general"}, {ID: 101, Name: "voice", Type: ChannelTypeGuildVoice}},
			Roles:    []Role{{ID: 10, Name: "@everyone"}},
			Members:  []Member{{User: User{ID: 2, Username: "ayu"}}},
		},
		MessageCreate{Message: Message{ID: 1000, ChannelID: 100, GuildID: 10, Author: User{ID: 2, Username: "ayu"}, Content: "hi"}},
	} {
		s = Advance(s, NewEvent(payload))
	}

	return s
}

// TestReduceIsDeterministic verifies repeated reductions yield identical snapshots.
func TestReduceIsDeterministic(t *testing.T) {
	t.Parallel()

	base := seededSnapshot(t)
	events := []Event{
		NewEvent(MessageCreate{Message: Message{ID: 1001, ChannelID: 100, GuildID: 10, Content: "again"}}),
		NewEvent(ChannelDelete{ChannelID: 101, GuildID: 10}),
		NewEvent(GuildDelete{GuildID: 10}),
		NewEvent(PresenceUpdate{Presence: Presence{GuildID: 10, User: User{ID: 2}, Status: "idle"}}),
	}

	for _, event := range events {
		first := Reduce(base, event)
		second := Reduce(base, event)
		if diff := cmp.Diff(first, second, cmp.AllowUnexported(Snapshot{})); diff != "" {
			t.Fatalf("Reduce(%s) not deterministic (-first +second):\n%s", event, diff)
		}
	}
}

// TestReduceNoOpReturnsSameSnapshot verifies unknown and no-op events keep the input pointer.
func TestReduceNoOpReturnsSameSnapshot(t *testing.T) {
	t.Parallel()

	base := seededSnapshot(t)
	tests := []struct {
		name  string
		event Event
	}{
		{name: "unknown payload", event: Event{ID: "e1"}},
		{name: "resumed", event: NewEvent(Resumed{})},
		{name: "delete unknown channel", event: NewEvent(ChannelDelete{ChannelID: 999})},
		{name: "delete unknown message", event: NewEvent(MessageDelete{MessageID: 999, ChannelID: 100})},
		{name: "delete unknown guild", event: NewEvent(GuildDelete{GuildID: 999})},
		{name: "remove unknown member", event: NewEvent(MemberRemove{GuildID: 10, User: User{ID: 999}})},
		{name: "delete unknown role", event: NewEvent(RoleDelete{GuildID: 10, RoleID: 999})},
		{name: "bulk delete unknown channel", event: NewEvent(MessageDeleteBulk{ChannelID: 999, MessageIDs: []ID{1}})},
		{name: "leave voice while not connected", event: NewEvent(VoiceStateUpdate{VoiceState: VoiceState{GuildID: 10, UserID: 2}})},
		{name: "empty request result", event: NewEvent(RequestResult{Route: "POST /x"})},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := Reduce(base, testCase.event); got != base {
				t.Fatalf("Reduce returned a new snapshot for a no-op event")
			}
		})
	}
}

// TestReduceUpsertsUnknownEntities verifies updates for unseen entities create them.
func TestReduceUpsertsUnknownEntities(t *testing.T) {
	t.Parallel()

	s := NewSnapshot()
	edited := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s = Reduce(s, NewEvent(MessageUpdate{Message: Message{
		ID:              7,
		ChannelID:       70,
		Content:         "edited",
		EditedTimestamp: &edited,
		Author:          User{ID: 3, Username: "mio"},
	}}))
	s = Reduce(s, NewEvent(MemberUpdate{Member: Member{GuildID: 5, User: User{ID: 3, Username: "mio"}, Nick: "m"}}))
	s = Reduce(s, NewEvent(ChannelUpdate{Channel: Channel{ID: 70, GuildID: 5, Name: "late"}}))

	message, ok := s.Message(70, 7)
	if !ok || message.Content != "edited" {
		t.Fatalf("message = %+v, %v; want stub created from update", message, ok)
	}
	member, ok := s.Member(5, 3)
	if !ok || member.Nick != "m" {
		t.Fatalf("member = %+v, %v; want stub created from update", member, ok)
	}
	if _, ok := s.Channel(70); !ok {
		t.Fatal("channel update did not create channel")
	}
	if _, ok := s.Guild(5); ok {
		t.Fatal("guild was synthesized from child update")
	}
	if user, ok := s.User(3); !ok || user.Username != "mio" {
		t.Fatalf("user = %+v, %v; want author cached", user, ok)
	}
}

// TestReduceGuildDeleteCascades verifies guild removal drops owned children.
func TestReduceGuildDeleteCascades(t *testing.T) {
	t.Parallel()

	base := seededSnapshot(t)
	removed := Reduce(base, NewEvent(GuildDelete{GuildID: 10}))

	if _, ok := removed.Guild(10); ok {
		t.Fatal("guild still cached after delete")
	}
	if _, ok := removed.Channel(100); ok {
		t.Fatal("channel still cached after guild delete")
	}
	if got := len(removed.Messages(100)); got != 0 {
		t.Fatalf("messages after guild delete = %d, want 0", got)
	}
	if got := len(removed.Members(10)); got != 0 {
		t.Fatalf("members after guild delete = %d, want 0", got)
	}
	if _, ok := base.Channel(100); !ok {
		t.Fatal("delete mutated the previous snapshot")
	}

	outage := Reduce(base, NewEvent(GuildDelete{GuildID: 10, Unavailable: true}))
	guild, ok := outage.Guild(10)
	if !ok || !guild.Unavailable {
		t.Fatalf("guild = %+v, %v; want unavailable guild kept", guild, ok)
	}
	if _, ok := outage.Channel(100); !ok {
		t.Fatal("outage dropped channels")
	}
	if again := Reduce(outage, NewEvent(GuildDelete{GuildID: 10, Unavailable: true})); again != outage {
		t.Fatal("repeated outage produced a new snapshot")
	}
}

// TestReduceGuildCreatePrunesDroppedChannels verifies a reloaded guild drops
// messages of channels it no longer lists.
func TestReduceGuildCreatePrunesDroppedChannels(t *testing.T) {
	t.Parallel()

	base := Advance(seededSnapshot(t), NewEvent(MessageCreate{
		Message: Message{ID: 2000, ChannelID: 101, GuildID: 10, Content: "kept"},
	}))
	reloaded := Reduce(base, NewEvent(GuildCreate{
		Guild:    Guild{ID: 10, Name: "home"},
		Channels: []Channel{{ID: 101, Name: "voice", Type: ChannelTypeGuildVoice}},
	}))

	if _, ok := reloaded.Channel(100); ok {
		t.Fatal("dropped channel still cached")
	}
	if got := len(reloaded.Messages(100)); got != 0 {
		t.Fatalf("messages of dropped channel = %d, want 0", got)
	}
	if got := len(reloaded.Messages(101)); got != 1 {
		t.Fatalf("messages of kept channel = %d, want 1", got)
	}
	if got := reloaded.Counts().Messages; got != 1 {
		t.Fatalf("message count = %d, want 1", got)
	}
	if got := len(base.Messages(100)); got != 1 {
		t.Fatalf("reload mutated the previous snapshot: %d messages", got)
	}
}

// TestReduceSharesUntouchedCollections verifies structural sharing between versions.
func TestReduceSharesUntouchedCollections(t *testing.T) {
	t.Parallel()

	base := seededSnapshot(t)
	next := Reduce(base, NewEvent(MessageCreate{Message: Message{ID: 1002, ChannelID: 100, GuildID: 10}}))

	if sameMap(base.messages, next.messages) {
		t.Fatal("messages collection was not copied on write")
	}
	if !sameMap(base.guilds, next.guilds) {
		t.Fatal("guilds collection was copied for a message event")
	}
	if !sameMap(base.roles, next.roles) {
		t.Fatal("roles collection was copied for a message event")
	}
	if got := len(base.Messages(100)); got != 1 {
		t.Fatalf("base messages = %d, want 1", got)
	}
}

// TestAdvanceStampsVersions verifies every event advances the version by one.
func TestAdvanceStampsVersions(t *testing.T) {
	t.Parallel()

	s := NewSnapshot()
	events := []Event{
		NewEvent(Resumed{}),
		{ID: "unknown"},
		NewEvent(GuildCreate{Guild: Guild{ID: 1}}),
	}
	for idx, event := range events {
		s = Advance(s, event)
		if got, want := s.Version(), uint64(idx+1); got != want {
			t.Fatalf("version after %s = %d, want %d", event, got, want)
		}
	}
}

// TestEntityOf verifies entity extraction used by correlation.
func TestEntityOf(t *testing.T) {
	t.Parallel()

	role, ok := EntityOf(RoleCreate{GuildID: 4, Role: Role{ID: 9}})
	if !ok {
		t.Fatal("EntityOf(RoleCreate) = false")
	}
	if diff := cmp.Diff(Entity(Role{ID: 9, GuildID: 4}), role); diff != "" {
		t.Fatalf("role mismatch (-want +got):\n%s", diff)
	}
	if _, ok := EntityOf(GuildDelete{GuildID: 4}); ok {
		t.Fatal("EntityOf(GuildDelete) = true, want false")
	}
	if _, ok := EntityOf(RequestResult{}); ok {
		t.Fatal("EntityOf(empty RequestResult) = true, want false")
	}
}

func sameMap(a any, b any) bool {
	return reflect.ValueOf(a).UnsafePointer() == reflect.ValueOf(b).UnsafePointer()
}
