package kagami

import (
	"cmp"
	"maps"
	"slices"
)

// Snapshot is one immutable replica of the remote object graph.
//
// A Snapshot is never mutated after construction. Reduce returns a new value
// that shares every collection the event did not touch.
type Snapshot struct {
	version   uint64
	sessionID string
	self      *User

	guilds   map[ID]Guild
	channels map[ID]Channel
	users    map[ID]User

	roles     map[ID]map[ID]Role
	members   map[ID]map[ID]Member
	presences map[ID]map[ID]Presence
	voice     map[ID]map[ID]VoiceState

	messages map[ID]map[ID]Message
}

// State pairs the snapshot produced by one event with the snapshot it replaced.
type State struct {
	Current  *Snapshot
	Previous *Snapshot
}

// Update is one broadcast item: the applied event and the state it produced.
type Update struct {
	Event Event
	State State
}

// Counts summarizes collection sizes for diagnostics.
type Counts struct {
	Guilds      int `json:"guilds"`
	Channels    int `json:"channels"`
	Users       int `json:"users"`
	Roles       int `json:"roles"`
	Members     int `json:"members"`
	Presences   int `json:"presences"`
	VoiceStates int `json:"voice_states"`
	Messages    int `json:"messages"`
}

// NewSnapshot returns the empty version-0 snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

// Version returns the number of events applied to reach this snapshot.
func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}

	return s.version
}

// SessionID returns the current session identifier, empty before Ready.
func (s *Snapshot) SessionID() string {
	if s == nil {
		return ""
	}

	return s.sessionID
}

// Self returns the current user.
func (s *Snapshot) Self() (User, bool) {
	if s == nil || s.self == nil {
		return User{}, false
	}

	return *s.self, true
}

// Guild returns one guild by id.
func (s *Snapshot) Guild(id ID) (Guild, bool) {
	if s == nil {
		return Guild{}, false
	}
	guild, ok := s.guilds[id]

	return guild, ok
}

// Guilds returns every guild ordered by id.
func (s *Snapshot) Guilds() []Guild {
	if s == nil {
		return nil
	}

	return sortedValues(s.guilds, func(g Guild) ID { return g.ID })
}

// Channel returns one channel by id.
func (s *Snapshot) Channel(id ID) (Channel, bool) {
	if s == nil {
		return Channel{}, false
	}
	channel, ok := s.channels[id]

	return channel, ok
}

// GuildChannels returns the channels owned by one guild ordered by position then id.
func (s *Snapshot) GuildChannels(guildID ID) []Channel {
	if s == nil {
		return nil
	}

	channels := make([]Channel, 0)
	for _, channel := range s.channels {
		if channel.GuildID == guildID {
			channels = append(channels, channel)
		}
	}
	slices.SortFunc(channels, func(a, b Channel) int {
		if byPosition := cmp.Compare(a.Position, b.Position); byPosition != 0 {
			return byPosition
		}
		return cmp.Compare(a.ID, b.ID)
	})

	return channels
}

// User returns one user by id.
func (s *Snapshot) User(id ID) (User, bool) {
	if s == nil {
		return User{}, false
	}
	user, ok := s.users[id]

	return user, ok
}

// Role returns one role of one guild.
func (s *Snapshot) Role(guildID ID, roleID ID) (Role, bool) {
	if s == nil {
		return Role{}, false
	}
	role, ok := s.roles[guildID][roleID]

	return role, ok
}

// Roles returns the roles of one guild ordered by id.
func (s *Snapshot) Roles(guildID ID) []Role {
	if s == nil {
		return nil
	}

	return sortedValues(s.roles[guildID], func(r Role) ID { return r.ID })
}

// Member returns one user's membership in one guild.
func (s *Snapshot) Member(guildID ID, userID ID) (Member, bool) {
	if s == nil {
		return Member{}, false
	}
	member, ok := s.members[guildID][userID]

	return member, ok
}

// Members returns the members of one guild ordered by user id.
func (s *Snapshot) Members(guildID ID) []Member {
	if s == nil {
		return nil
	}

	return sortedValues(s.members[guildID], func(m Member) ID { return m.User.ID })
}

// Presence returns one user's presence in one guild.
func (s *Snapshot) Presence(guildID ID, userID ID) (Presence, bool) {
	if s == nil {
		return Presence{}, false
	}
	presence, ok := s.presences[guildID][userID]

	return presence, ok
}

// VoiceState returns one user's voice state in one guild.
func (s *Snapshot) VoiceState(guildID ID, userID ID) (VoiceState, bool) {
	if s == nil {
		return VoiceState{}, false
	}
	state, ok := s.voice[guildID][userID]

	return state, ok
}

// Message returns one message of one channel.
func (s *Snapshot) Message(channelID ID, messageID ID) (Message, bool) {
	if s == nil {
		return Message{}, false
	}
	message, ok := s.messages[channelID][messageID]

	return message, ok
}

// Messages returns the cached messages of one channel ordered by id.
func (s *Snapshot) Messages(channelID ID) []Message {
	if s == nil {
		return nil
	}

	return sortedValues(s.messages[channelID], func(m Message) ID { return m.ID })
}

// Counts returns collection sizes.
func (s *Snapshot) Counts() Counts {
	if s == nil {
		return Counts{}
	}

	return Counts{
		Guilds:      len(s.guilds),
		Channels:    len(s.channels),
		Users:       len(s.users),
		Roles:       nestedLen(s.roles),
		Members:     nestedLen(s.members),
		Presences:   nestedLen(s.presences),
		VoiceStates: nestedLen(s.voice),
		Messages:    nestedLen(s.messages),
	}
}

// clone returns a shallow copy; collections stay shared until replaced.
func (s *Snapshot) clone() *Snapshot {
	next := *s
	return &next
}

// with returns a copy of m with key set to value.
func with[K comparable, V any](m map[K]V, key K, value V) map[K]V {
	next := make(map[K]V, len(m)+1)
	maps.Copy(next, m)
	next[key] = value

	return next
}

// without returns m itself when key is absent, otherwise a copy without key.
func without[K comparable, V any](m map[K]V, key K) map[K]V {
	if _, ok := m[key]; !ok {
		return m
	}
	next := maps.Clone(m)
	delete(next, key)

	return next
}

func withNested[P comparable, K comparable, V any](m map[P]map[K]V, parent P, key K, value V) map[P]map[K]V {
	return with(m, parent, with(m[parent], key, value))
}

func withoutNested[P comparable, K comparable, V any](m map[P]map[K]V, parent P, key K) map[P]map[K]V {
	inner, ok := m[parent]
	if !ok {
		return m
	}
	if _, ok := inner[key]; !ok {
		return m
	}

	return with(m, parent, without(inner, key))
}

func nestedLen[P comparable, K comparable, V any](m map[P]map[K]V) int {
	total := 0
	for _, inner := range m {
		total += len(inner)
	}

	return total
}

func sortedValues[K comparable, V any](m map[K]V, key func(V) ID) []V {
	values := slices.Collect(maps.Values(m))
	slices.SortFunc(values, func(a, b V) int {
		return cmp.Compare(key(a), key(b))
	})

	return values
}
