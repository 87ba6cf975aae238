package kagami

import "time"

// Entity is one replicated object that a request can return and the cache can hold.
//
// The set is closed: only types in this package implement Entity.
type Entity interface {
	// EntityID returns the identifier the entity is keyed by in its collection.
	EntityID() ID
	entityScope() Scope
	upsert(s *Snapshot) *Snapshot
	lookup(s *Snapshot) (Entity, bool)
}

// ChannelType classifies channel behavior.
type ChannelType int

const (
	// ChannelTypeGuildText is a text channel inside a guild.
	ChannelTypeGuildText ChannelType = 0
	// ChannelTypeDM is a direct message channel.
	ChannelTypeDM ChannelType = 1
	// ChannelTypeGuildVoice is a voice channel inside a guild.
	ChannelTypeGuildVoice ChannelType = 2
	// ChannelTypeGroupDM is a group direct message channel.
	ChannelTypeGroupDM ChannelType = 3
	// ChannelTypeGuildCategory is a category container inside a guild.
	ChannelTypeGuildCategory ChannelType = 4
)

// User is one account known to the cache.
type User struct {
	ID         ID     `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
	Bot        bool   `json:"bot,omitempty"`
}

// Guild is one partition container: a community owning channels, roles and members.
type Guild struct {
	ID          ID     `json:"id"`
	Name        string `json:"name,omitempty"`
	OwnerID     ID     `json:"owner_id,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Unavailable bool   `json:"unavailable,omitempty"`
}

// Channel is one message container, optionally owned by a guild.
type Channel struct {
	ID       ID          `json:"id"`
	GuildID  ID          `json:"guild_id,omitempty"`
	ParentID ID          `json:"parent_id,omitempty"`
	Type     ChannelType `json:"type"`
	Name     string      `json:"name,omitempty"`
	Topic    string      `json:"topic,omitempty"`
	Position int         `json:"position,omitempty"`
}

// Role is one permission group inside a guild.
type Role struct {
	ID          ID     `json:"id"`
	GuildID     ID     `json:"guild_id,omitempty"`
	Name        string `json:"name"`
	Color       int    `json:"color,omitempty"`
	Position    int    `json:"position,omitempty"`
	Permissions string `json:"permissions,omitempty"`
	Hoist       bool   `json:"hoist,omitempty"`
}

// Member is one user's membership in one guild.
type Member struct {
	GuildID  ID        `json:"guild_id,omitempty"`
	User     User      `json:"user"`
	Nick     string    `json:"nick,omitempty"`
	Roles    []ID      `json:"roles,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// Message is one message posted in a channel.
type Message struct {
	ID              ID         `json:"id"`
	ChannelID       ID         `json:"channel_id"`
	GuildID         ID         `json:"guild_id,omitempty"`
	Author          User       `json:"author"`
	Content         string     `json:"content"`
	Timestamp       time.Time  `json:"timestamp"`
	EditedTimestamp *time.Time `json:"edited_timestamp,omitempty"`
	Pinned          bool       `json:"pinned,omitempty"`
}

// Presence is one user's online status inside one guild.
type Presence struct {
	GuildID ID     `json:"guild_id,omitempty"`
	User    User   `json:"user"`
	Status  string `json:"status"`
}

// VoiceState is one user's voice connection inside one guild.
//
// A zero ChannelID means the user left voice.
type VoiceState struct {
	GuildID   ID     `json:"guild_id,omitempty"`
	ChannelID ID     `json:"channel_id,omitempty"`
	UserID    ID     `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	Mute      bool   `json:"mute,omitempty"`
	Deaf      bool   `json:"deaf,omitempty"`
	SelfMute  bool   `json:"self_mute,omitempty"`
	SelfDeaf  bool   `json:"self_deaf,omitempty"`
}

// EntityID returns the user id.
func (u User) EntityID() ID { return u.ID }

func (u User) entityScope() Scope { return Scope{} }

func (u User) upsert(s *Snapshot) *Snapshot {
	next := s.clone()
	next.users = with(s.users, u.ID, u)
	if self, ok := s.Self(); ok && self.ID == u.ID {
		next.self = &u
	}

	return next
}

func (u User) lookup(s *Snapshot) (Entity, bool) {
	found, ok := s.User(u.ID)
	return found, ok
}

// EntityID returns the guild id.
func (g Guild) EntityID() ID { return g.ID }

func (g Guild) entityScope() Scope { return Scope{GuildID: g.ID} }

func (g Guild) upsert(s *Snapshot) *Snapshot {
	next := s.clone()
	next.guilds = with(s.guilds, g.ID, g)

	return next
}

func (g Guild) lookup(s *Snapshot) (Entity, bool) {
	found, ok := s.Guild(g.ID)
	return found, ok
}

// EntityID returns the channel id.
func (c Channel) EntityID() ID { return c.ID }

func (c Channel) entityScope() Scope {
	if c.GuildID.IsZero() {
		return Scope{ChannelID: c.ID}
	}

	return Scope{GuildID: c.GuildID}
}

func (c Channel) upsert(s *Snapshot) *Snapshot {
	next := s.clone()
	next.channels = with(s.channels, c.ID, c)

	return next
}

func (c Channel) lookup(s *Snapshot) (Entity, bool) {
	found, ok := s.Channel(c.ID)
	return found, ok
}

// EntityID returns the role id.
func (r Role) EntityID() ID { return r.ID }

func (r Role) entityScope() Scope { return Scope{GuildID: r.GuildID} }

func (r Role) upsert(s *Snapshot) *Snapshot {
	next := s.clone()
	next.roles = withNested(s.roles, r.GuildID, r.ID, r)

	return next
}

func (r Role) lookup(s *Snapshot) (Entity, bool) {
	found, ok := s.Role(r.GuildID, r.ID)
	return found, ok
}

// EntityID returns the member's user id.
func (m Member) EntityID() ID { return m.User.ID }

func (m Member) entityScope() Scope { return Scope{GuildID: m.GuildID} }

func (m Member) upsert(s *Snapshot) *Snapshot {
	next := s.clone()
	next.members = withNested(s.members, m.GuildID, m.User.ID, m)
	if !m.User.ID.IsZero() {
		next.users = with(s.users, m.User.ID, m.User)
	}

	return next
}

func (m Member) lookup(s *Snapshot) (Entity, bool) {
	found, ok := s.Member(m.GuildID, m.User.ID)
	return found, ok
}

// EntityID returns the message id.
func (m Message) EntityID() ID { return m.ID }

func (m Message) entityScope() Scope {
	if m.GuildID.IsZero() {
		return Scope{ChannelID: m.ChannelID}
	}

	return Scope{GuildID: m.GuildID}
}

func (m Message) upsert(s *Snapshot) *Snapshot {
	next := s.clone()
	next.messages = withNested(s.messages, m.ChannelID, m.ID, m)
	if !m.Author.ID.IsZero() {
		next.users = with(s.users, m.Author.ID, m.Author)
	}

	return next
}

func (m Message) lookup(s *Snapshot) (Entity, bool) {
	found, ok := s.Message(m.ChannelID, m.ID)
	return found, ok
}

// Lookup returns the cached counterpart of entity in s, keyed the same way.
func Lookup(s *Snapshot, entity Entity) (Entity, bool) {
	if s == nil || entity == nil {
		return nil, false
	}

	return entity.lookup(s)
}
