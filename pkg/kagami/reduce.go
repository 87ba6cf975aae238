package kagami

// Reduce applies one event to s and returns the resulting snapshot.
//
// Reduce is pure and total. Unknown and no-op events return s itself, so
// callers can detect them with pointer comparison. The version is not touched;
// see Advance.
//
// Entities that an update event references but s does not hold are created
// from the update payload. Parent containers are never synthesized, and
// deletes of unknown entities are no-ops.
func Reduce(s *Snapshot, event Event) *Snapshot {
	if s == nil {
		s = NewSnapshot()
	}
	if event.Payload == nil {
		return s
	}

	return event.Payload.apply(s)
}

// Advance reduces event onto s and stamps the result with the next version.
//
// Every call yields a new snapshot whose version is exactly one above s,
// including for no-op events.
func Advance(s *Snapshot, event Event) *Snapshot {
	if s == nil {
		s = NewSnapshot()
	}

	next := Reduce(s, event).clone()
	next.version = s.version + 1

	return next
}

// EntityOf returns the entity an event body carries, when it carries exactly one.
func EntityOf(payload Payload) (Entity, bool) {
	switch typed := payload.(type) {
	case RequestResult:
		return typed.Entity, typed.Entity != nil
	case UserUpdate:
		return typed.User, true
	case GuildUpdate:
		return typed.Guild, true
	case ChannelCreate:
		return typed.Channel, true
	case ChannelUpdate:
		return typed.Channel, true
	case RoleCreate:
		role := typed.Role
		role.GuildID = typed.GuildID
		return role, true
	case RoleUpdate:
		role := typed.Role
		role.GuildID = typed.GuildID
		return role, true
	case MemberAdd:
		return typed.Member, true
	case MemberUpdate:
		return typed.Member, true
	case MessageCreate:
		return typed.Message, true
	case MessageUpdate:
		return typed.Message, true
	default:
		return nil, false
	}
}
