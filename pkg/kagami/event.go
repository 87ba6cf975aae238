package kagami

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies one change kind using the remote dispatch name.
type EventKind string

const (
	// EventKindUnknown marks events whose payload the codec did not recognize.
	EventKindUnknown EventKind = ""
	// EventKindReady is emitted once per new session.
	EventKindReady EventKind = "READY"
	// EventKindResumed is emitted when a dropped session resumes.
	EventKindResumed EventKind = "RESUMED"
	// EventKindUserUpdate is emitted when the current user changes.
	EventKindUserUpdate EventKind = "USER_UPDATE"
	// EventKindGuildCreate is emitted when a guild becomes available with its children.
	EventKindGuildCreate EventKind = "GUILD_CREATE"
	// EventKindGuildUpdate is emitted when guild settings change.
	EventKindGuildUpdate EventKind = "GUILD_UPDATE"
	// EventKindGuildDelete is emitted when a guild is left or becomes unavailable.
	EventKindGuildDelete EventKind = "GUILD_DELETE"
	// EventKindChannelCreate is emitted when a channel is created.
	EventKindChannelCreate EventKind = "CHANNEL_CREATE"
	// EventKindChannelUpdate is emitted when a channel changes.
	EventKindChannelUpdate EventKind = "CHANNEL_UPDATE"
	// EventKindChannelDelete is emitted when a channel is deleted.
	EventKindChannelDelete EventKind = "CHANNEL_DELETE"
	// EventKindRoleCreate is emitted when a guild role is created.
	EventKindRoleCreate EventKind = "GUILD_ROLE_CREATE"
	// EventKindRoleUpdate is emitted when a guild role changes.
	EventKindRoleUpdate EventKind = "GUILD_ROLE_UPDATE"
	// EventKindRoleDelete is emitted when a guild role is deleted.
	EventKindRoleDelete EventKind = "GUILD_ROLE_DELETE"
	// EventKindMemberAdd is emitted when a user joins a guild.
	EventKindMemberAdd EventKind = "GUILD_MEMBER_ADD"
	// EventKindMemberUpdate is emitted when a guild member changes.
	EventKindMemberUpdate EventKind = "GUILD_MEMBER_UPDATE"
	// EventKindMemberRemove is emitted when a user leaves a guild.
	EventKindMemberRemove EventKind = "GUILD_MEMBER_REMOVE"
	// EventKindMessageCreate is emitted when a message is posted.
	EventKindMessageCreate EventKind = "MESSAGE_CREATE"
	// EventKindMessageUpdate is emitted when a message is edited.
	EventKindMessageUpdate EventKind = "MESSAGE_UPDATE"
	// EventKindMessageDelete is emitted when a message is deleted.
	EventKindMessageDelete EventKind = "MESSAGE_DELETE"
	// EventKindMessageDeleteBulk is emitted when many messages are deleted at once.
	EventKindMessageDeleteBulk EventKind = "MESSAGE_DELETE_BULK"
	// EventKindPresenceUpdate is emitted when a member's status changes.
	EventKindPresenceUpdate EventKind = "PRESENCE_UPDATE"
	// EventKindVoiceStateUpdate is emitted when a member's voice connection changes.
	EventKindVoiceStateUpdate EventKind = "VOICE_STATE_UPDATE"
	// EventKindRequestResult is the synthetic event carrying a completed request's entity.
	EventKindRequestResult EventKind = "REQUEST_RESULT"
)

// Payload is the closed set of event bodies.
//
// Every payload type carries its own reduction, so a payload without one does not compile.
type Payload interface {
	// Kind returns the dispatch name of this payload.
	Kind() EventKind
	// Scope returns the routing facts the payload carries.
	Scope() Scope
	apply(s *Snapshot) *Snapshot
}

// Event is one ordered change delivered to the hub.
type Event struct {
	// ID is a unique identifier for this event instance.
	ID string
	// Sequence is the upstream sequence number when the source provides one.
	Sequence int64
	// ReceivedAt is when the source received the event. The reducer ignores it.
	ReceivedAt time.Time
	// Payload is the typed event body; nil means an unknown event.
	Payload Payload
}

// NewEvent wraps payload into an event with a fresh id.
func NewEvent(payload Payload) Event {
	return Event{
		ID:         uuid.NewString(),
		ReceivedAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Kind returns the payload kind or EventKindUnknown.
func (e Event) Kind() EventKind {
	if e.Payload == nil {
		return EventKindUnknown
	}

	return e.Payload.Kind()
}

// Scope returns the payload routing facts; unknown events have the zero scope.
func (e Event) Scope() Scope {
	if e.Payload == nil {
		return Scope{}
	}

	return e.Payload.Scope()
}

// Validate checks envelope invariants.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}

	return nil
}

// String returns a short operator-readable label.
func (e Event) String() string {
	kind := e.Kind()
	if kind == EventKindUnknown {
		kind = "UNKNOWN"
	}

	return fmt.Sprintf("%s(%s)", kind, e.ID)
}
