package kagami

import "maps"

// Ready starts a new session.
type Ready struct {
	SessionID string  `json:"session_id"`
	User      User    `json:"user"`
	Guilds    []Guild `json:"guilds"`
}

// Resumed marks a resumed session. It changes nothing.
type Resumed struct{}

// UserUpdate replaces the current user.
type UserUpdate struct {
	User User
}

// GuildCreate makes a guild available together with its children.
type GuildCreate struct {
	Guild       Guild
	Channels    []Channel
	Roles       []Role
	Members     []Member
	Presences   []Presence
	VoiceStates []VoiceState
}

// GuildUpdate replaces guild settings.
type GuildUpdate struct {
	Guild Guild
}

// GuildDelete removes a guild, or marks it unavailable during an outage.
type GuildDelete struct {
	GuildID     ID   `json:"id"`
	Unavailable bool `json:"unavailable,omitempty"`
}

// ChannelCreate adds one channel.
type ChannelCreate struct {
	Channel Channel
}

// ChannelUpdate replaces one channel.
type ChannelUpdate struct {
	Channel Channel
}

// ChannelDelete removes one channel and its cached messages.
//
// GuildID is optional; without it routers resolve the owner through their affinity index.
type ChannelDelete struct {
	ChannelID ID `json:"id"`
	GuildID   ID `json:"guild_id,omitempty"`
}

// RoleCreate adds one role to a guild.
type RoleCreate struct {
	GuildID ID   `json:"guild_id"`
	Role    Role `json:"role"`
}

// RoleUpdate replaces one role of a guild.
type RoleUpdate struct {
	GuildID ID   `json:"guild_id"`
	Role    Role `json:"role"`
}

// RoleDelete removes one role from a guild.
type RoleDelete struct {
	GuildID ID `json:"guild_id"`
	RoleID  ID `json:"role_id"`
}

// MemberAdd adds one member to a guild.
type MemberAdd struct {
	Member Member
}

// MemberUpdate replaces one member of a guild.
type MemberUpdate struct {
	Member Member
}

// MemberRemove removes one member from a guild.
type MemberRemove struct {
	GuildID ID   `json:"guild_id"`
	User    User `json:"user"`
}

// MessageCreate adds one message.
type MessageCreate struct {
	Message Message
}

// MessageUpdate replaces one message.
type MessageUpdate struct {
	Message Message
}

// MessageDelete removes one message.
type MessageDelete struct {
	MessageID ID `json:"id"`
	ChannelID ID `json:"channel_id"`
	GuildID   ID `json:"guild_id,omitempty"`
}

// MessageDeleteBulk removes many messages of one channel.
type MessageDeleteBulk struct {
	MessageIDs []ID `json:"ids"`
	ChannelID  ID   `json:"channel_id"`
	GuildID    ID   `json:"guild_id,omitempty"`
}

// PresenceUpdate replaces one presence.
type PresenceUpdate struct {
	Presence Presence
}

// VoiceStateUpdate replaces or clears one voice state.
type VoiceStateUpdate struct {
	VoiceState VoiceState
}

// RequestResult feeds a completed request's entity back into the event stream.
type RequestResult struct {
	// Route is the bucket key of the request that produced Entity.
	Route string
	// Entity is the decoded success payload.
	Entity Entity
}

// Kind implements Payload.
func (Ready) Kind() EventKind { return EventKindReady }

// Scope implements Payload.
func (Ready) Scope() Scope { return Scope{Global: true} }

func (p Ready) apply(s *Snapshot) *Snapshot {
	next := s.clone()
	next.sessionID = p.SessionID
	self := p.User
	next.self = &self
	next.users = with(s.users, self.ID, self)

	guilds := s.guilds
	for _, guild := range p.Guilds {
		if _, known := guilds[guild.ID]; known {
			continue
		}
		guilds = with(guilds, guild.ID, Guild{ID: guild.ID, Unavailable: true})
	}
	next.guilds = guilds

	return next
}

// Kind implements Payload.
func (Resumed) Kind() EventKind { return EventKindResumed }

// Scope implements Payload.
func (Resumed) Scope() Scope { return Scope{Global: true} }

func (Resumed) apply(s *Snapshot) *Snapshot { return s }

// Kind implements Payload.
func (UserUpdate) Kind() EventKind { return EventKindUserUpdate }

// Scope implements Payload.
func (UserUpdate) Scope() Scope { return Scope{Global: true} }

func (p UserUpdate) apply(s *Snapshot) *Snapshot {
	next := p.User.upsert(s)
	self := p.User
	next.self = &self

	return next
}

// Kind implements Payload.
func (GuildCreate) Kind() EventKind { return EventKindGuildCreate }

// Scope implements Payload.
func (p GuildCreate) Scope() Scope {
	children := make([]ID, 0, len(p.Channels))
	for _, channel := range p.Channels {
		children = append(children, channel.ID)
	}

	return childScope(p.Guild.ID, children...)
}

func (p GuildCreate) apply(s *Snapshot) *Snapshot {
	guildID := p.Guild.ID
	next := s.clone()

	guild := p.Guild
	guild.Unavailable = false
	next.guilds = with(s.guilds, guildID, guild)

	channels := make(map[ID]Channel, len(s.channels)+len(p.Channels))
	for channelID, channel := range s.channels {
		if channel.GuildID != guildID {
			channels[channelID] = channel
		}
	}
	for _, channel := range p.Channels {
		channel.GuildID = guildID
		channels[channel.ID] = channel
	}
	next.channels = channels

	var messages map[ID]map[ID]Message
	for channelID, channel := range s.channels {
		if channel.GuildID != guildID {
			continue
		}
		if _, kept := channels[channelID]; kept {
			continue
		}
		if _, cached := s.messages[channelID]; !cached {
			continue
		}
		if messages == nil {
			messages = maps.Clone(s.messages)
		}
		delete(messages, channelID)
	}
	if messages != nil {
		next.messages = messages
	}

	roles := make(map[ID]Role, len(p.Roles))
	for _, role := range p.Roles {
		role.GuildID = guildID
		roles[role.ID] = role
	}
	next.roles = with(s.roles, guildID, roles)

	members := make(map[ID]Member, len(p.Members))
	users := s.users
	if len(p.Members) > 0 {
		users = maps.Clone(s.users)
		if users == nil {
			users = make(map[ID]User, len(p.Members))
		}
	}
	for _, member := range p.Members {
		member.GuildID = guildID
		members[member.User.ID] = member
		users[member.User.ID] = member.User
	}
	next.members = with(s.members, guildID, members)
	next.users = users

	presences := make(map[ID]Presence, len(p.Presences))
	for _, presence := range p.Presences {
		presence.GuildID = guildID
		presences[presence.User.ID] = presence
	}
	next.presences = with(s.presences, guildID, presences)

	voice := make(map[ID]VoiceState, len(p.VoiceStates))
	for _, state := range p.VoiceStates {
		if state.ChannelID.IsZero() {
			continue
		}
		state.GuildID = guildID
		voice[state.UserID] = state
	}
	next.voice = with(s.voice, guildID, voice)

	return next
}

// Kind implements Payload.
func (GuildUpdate) Kind() EventKind { return EventKindGuildUpdate }

// Scope implements Payload.
func (p GuildUpdate) Scope() Scope { return Scope{GuildID: p.Guild.ID} }

func (p GuildUpdate) apply(s *Snapshot) *Snapshot { return p.Guild.upsert(s) }

// Kind implements Payload.
func (GuildDelete) Kind() EventKind { return EventKindGuildDelete }

// Scope implements Payload.
func (p GuildDelete) Scope() Scope {
	return Scope{GuildID: p.GuildID, RemovesGuild: !p.Unavailable}
}

func (p GuildDelete) apply(s *Snapshot) *Snapshot {
	guild, known := s.guilds[p.GuildID]
	if !known {
		return s
	}

	if p.Unavailable {
		if guild.Unavailable {
			return s
		}
		guild.Unavailable = true
		next := s.clone()
		next.guilds = with(s.guilds, p.GuildID, guild)
		return next
	}

	next := s.clone()
	next.guilds = without(s.guilds, p.GuildID)
	channels := maps.Clone(s.channels)
	messages := maps.Clone(s.messages)
	for channelID, channel := range s.channels {
		if channel.GuildID != p.GuildID {
			continue
		}
		delete(channels, channelID)
		delete(messages, channelID)
	}
	next.channels = channels
	next.messages = messages
	next.roles = without(s.roles, p.GuildID)
	next.members = without(s.members, p.GuildID)
	next.presences = without(s.presences, p.GuildID)
	next.voice = without(s.voice, p.GuildID)

	return next
}

// Kind implements Payload.
func (ChannelCreate) Kind() EventKind { return EventKindChannelCreate }

// Scope implements Payload.
func (p ChannelCreate) Scope() Scope {
	if p.Channel.GuildID.IsZero() {
		return Scope{ChannelID: p.Channel.ID}
	}

	return childScope(p.Channel.GuildID, p.Channel.ID)
}

func (p ChannelCreate) apply(s *Snapshot) *Snapshot { return p.Channel.upsert(s) }

// Kind implements Payload.
func (ChannelUpdate) Kind() EventKind { return EventKindChannelUpdate }

// Scope implements Payload.
func (p ChannelUpdate) Scope() Scope { return p.Channel.entityScope() }

func (p ChannelUpdate) apply(s *Snapshot) *Snapshot { return p.Channel.upsert(s) }

// Kind implements Payload.
func (ChannelDelete) Kind() EventKind { return EventKindChannelDelete }

// Scope implements Payload.
func (p ChannelDelete) Scope() Scope {
	return Scope{GuildID: p.GuildID, ChannelID: p.ChannelID, RemovesChannel: true}
}

func (p ChannelDelete) apply(s *Snapshot) *Snapshot {
	if _, known := s.channels[p.ChannelID]; !known {
		return s
	}

	next := s.clone()
	next.channels = without(s.channels, p.ChannelID)
	next.messages = without(s.messages, p.ChannelID)

	return next
}

// Kind implements Payload.
func (RoleCreate) Kind() EventKind { return EventKindRoleCreate }

// Scope implements Payload.
func (p RoleCreate) Scope() Scope { return Scope{GuildID: p.GuildID} }

func (p RoleCreate) apply(s *Snapshot) *Snapshot {
	role := p.Role
	role.GuildID = p.GuildID

	return role.upsert(s)
}

// Kind implements Payload.
func (RoleUpdate) Kind() EventKind { return EventKindRoleUpdate }

// Scope implements Payload.
func (p RoleUpdate) Scope() Scope { return Scope{GuildID: p.GuildID} }

func (p RoleUpdate) apply(s *Snapshot) *Snapshot {
	role := p.Role
	role.GuildID = p.GuildID

	return role.upsert(s)
}

// Kind implements Payload.
func (RoleDelete) Kind() EventKind { return EventKindRoleDelete }

// Scope implements Payload.
func (p RoleDelete) Scope() Scope { return Scope{GuildID: p.GuildID} }

func (p RoleDelete) apply(s *Snapshot) *Snapshot {
	if _, known := s.roles[p.GuildID][p.RoleID]; !known {
		return s
	}

	next := s.clone()
	next.roles = withoutNested(s.roles, p.GuildID, p.RoleID)

	return next
}

// Kind implements Payload.
func (MemberAdd) Kind() EventKind { return EventKindMemberAdd }

// Scope implements Payload.
func (p MemberAdd) Scope() Scope { return p.Member.entityScope() }

func (p MemberAdd) apply(s *Snapshot) *Snapshot { return p.Member.upsert(s) }

// Kind implements Payload.
func (MemberUpdate) Kind() EventKind { return EventKindMemberUpdate }

// Scope implements Payload.
func (p MemberUpdate) Scope() Scope { return p.Member.entityScope() }

func (p MemberUpdate) apply(s *Snapshot) *Snapshot { return p.Member.upsert(s) }

// Kind implements Payload.
func (MemberRemove) Kind() EventKind { return EventKindMemberRemove }

// Scope implements Payload.
func (p MemberRemove) Scope() Scope { return Scope{GuildID: p.GuildID} }

func (p MemberRemove) apply(s *Snapshot) *Snapshot {
	if _, known := s.members[p.GuildID][p.User.ID]; !known {
		return s
	}

	next := s.clone()
	next.members = withoutNested(s.members, p.GuildID, p.User.ID)
	next.presences = withoutNested(s.presences, p.GuildID, p.User.ID)
	next.voice = withoutNested(s.voice, p.GuildID, p.User.ID)

	return next
}

// Kind implements Payload.
func (MessageCreate) Kind() EventKind { return EventKindMessageCreate }

// Scope implements Payload.
func (p MessageCreate) Scope() Scope { return p.Message.entityScope() }

func (p MessageCreate) apply(s *Snapshot) *Snapshot { return p.Message.upsert(s) }

// Kind implements Payload.
func (MessageUpdate) Kind() EventKind { return EventKindMessageUpdate }

// Scope implements Payload.
func (p MessageUpdate) Scope() Scope { return p.Message.entityScope() }

func (p MessageUpdate) apply(s *Snapshot) *Snapshot { return p.Message.upsert(s) }

// Kind implements Payload.
func (MessageDelete) Kind() EventKind { return EventKindMessageDelete }

// Scope implements Payload.
func (p MessageDelete) Scope() Scope {
	if p.GuildID.IsZero() {
		return Scope{ChannelID: p.ChannelID}
	}

	return Scope{GuildID: p.GuildID}
}

func (p MessageDelete) apply(s *Snapshot) *Snapshot {
	if _, known := s.messages[p.ChannelID][p.MessageID]; !known {
		return s
	}

	next := s.clone()
	next.messages = withoutNested(s.messages, p.ChannelID, p.MessageID)

	return next
}

// Kind implements Payload.
func (MessageDeleteBulk) Kind() EventKind { return EventKindMessageDeleteBulk }

// Scope implements Payload.
func (p MessageDeleteBulk) Scope() Scope {
	if p.GuildID.IsZero() {
		return Scope{ChannelID: p.ChannelID}
	}

	return Scope{GuildID: p.GuildID}
}

func (p MessageDeleteBulk) apply(s *Snapshot) *Snapshot {
	cached, ok := s.messages[p.ChannelID]
	if !ok {
		return s
	}

	remaining := cached
	for _, messageID := range p.MessageIDs {
		remaining = without(remaining, messageID)
	}
	if len(remaining) == len(cached) {
		return s
	}

	next := s.clone()
	next.messages = with(s.messages, p.ChannelID, remaining)

	return next
}

// Kind implements Payload.
func (PresenceUpdate) Kind() EventKind { return EventKindPresenceUpdate }

// Scope implements Payload.
func (p PresenceUpdate) Scope() Scope { return Scope{GuildID: p.Presence.GuildID} }

func (p PresenceUpdate) apply(s *Snapshot) *Snapshot {
	next := s.clone()
	next.presences = withNested(s.presences, p.Presence.GuildID, p.Presence.User.ID, p.Presence)

	return next
}

// Kind implements Payload.
func (VoiceStateUpdate) Kind() EventKind { return EventKindVoiceStateUpdate }

// Scope implements Payload.
func (p VoiceStateUpdate) Scope() Scope { return Scope{GuildID: p.VoiceState.GuildID} }

func (p VoiceStateUpdate) apply(s *Snapshot) *Snapshot {
	state := p.VoiceState
	if state.ChannelID.IsZero() {
		if _, known := s.voice[state.GuildID][state.UserID]; !known {
			return s
		}
		next := s.clone()
		next.voice = withoutNested(s.voice, state.GuildID, state.UserID)
		return next
	}

	next := s.clone()
	next.voice = withNested(s.voice, state.GuildID, state.UserID, state)

	return next
}

// Kind implements Payload.
func (RequestResult) Kind() EventKind { return EventKindRequestResult }

// Scope implements Payload.
func (p RequestResult) Scope() Scope {
	if p.Entity == nil {
		return Scope{}
	}

	return p.Entity.entityScope()
}

func (p RequestResult) apply(s *Snapshot) *Snapshot {
	if p.Entity == nil {
		return s
	}

	return p.Entity.upsert(s)
}
