package kagami

import "slices"

// Scope describes which partition an event belongs to, as far as the event itself can tell.
//
// Routers evaluate scopes in a fixed order: Global, then Children binding,
// then GuildID, then ChannelID resolution, then RemovesChannel/RemovesGuild eviction.
type Scope struct {
	// Global marks session-wide events that every partition observes.
	Global bool
	// GuildID is the partition key when the event carries it directly.
	GuildID ID
	// ChannelID is the child id to resolve when GuildID is absent, and the
	// mapping to drop when RemovesChannel is set.
	ChannelID ID
	// Children lists child ids this event introduces under GuildID.
	Children []ID
	// RemovesChannel marks child deletion; ChannelID is unmapped after routing.
	RemovesChannel bool
	// RemovesGuild marks container deletion; every child of GuildID is unmapped after routing.
	RemovesGuild bool
}

// Keyed reports whether the scope carries the partition key directly.
func (s Scope) Keyed() bool {
	return !s.GuildID.IsZero()
}

func childScope(guildID ID, children ...ID) Scope {
	scope := Scope{GuildID: guildID}
	if guildID.IsZero() {
		return scope
	}
	for _, child := range children {
		if !child.IsZero() {
			scope.Children = append(scope.Children, child)
		}
	}
	slices.Sort(scope.Children)

	return scope
}
