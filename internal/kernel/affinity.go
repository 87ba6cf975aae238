package kernel

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"ex-kagami/pkg/kagami"
)

// AffinityIndex resolves child channel ids to the guild that owns them.
//
// It is seeded from the snapshot current when its owner subscribes, then kept
// up to date from routed events. It is bounded: an evicted mapping behaves
// like an unseen one and routing fails closed.
type AffinityIndex struct {
	channels *lru.Cache[kagami.ID, kagami.ID]
}

// NewAffinityIndex creates an index holding at most capacity mappings.
func NewAffinityIndex(capacity int) (*AffinityIndex, error) {
	channels, err := lru.New[kagami.ID, kagami.ID](capacity)
	if err != nil {
		return nil, fmt.Errorf("new affinity index: %w", err)
	}

	return &AffinityIndex{channels: channels}, nil
}

// Resolve returns the guild owning channelID.
func (i *AffinityIndex) Resolve(channelID kagami.ID) (kagami.ID, bool) {
	return i.channels.Get(channelID)
}

// Len returns the number of mappings held.
func (i *AffinityIndex) Len() int {
	return i.channels.Len()
}

// Seed maps every channel of guildID held by snapshot s.
func (i *AffinityIndex) Seed(s *kagami.Snapshot, guildID kagami.ID) {
	if s == nil {
		return
	}
	for _, channel := range s.GuildChannels(guildID) {
		i.channels.Add(channel.ID, guildID)
	}
}

// Admit classifies one event for partition key and updates the index.
//
// Rules, evaluated once per event:
//  1. global events pass;
//  2. children introduced by the event are bound before the membership test;
//  3. events carrying a guild id pass when it equals key;
//  4. events scoped to a channel pass when the index maps it to key, and drop otherwise;
//  5. removals unmap after the membership test.
func (i *AffinityIndex) Admit(key kagami.ID, scope kagami.Scope) bool {
	if scope.Global {
		return true
	}

	for _, child := range scope.Children {
		i.channels.Add(child, scope.GuildID)
	}

	admitted := false
	switch {
	case scope.Keyed():
		admitted = scope.GuildID == key
	case !scope.ChannelID.IsZero():
		owner, known := i.channels.Get(scope.ChannelID)
		admitted = known && owner == key
	}

	if scope.RemovesChannel && !scope.ChannelID.IsZero() {
		i.channels.Remove(scope.ChannelID)
	}
	if scope.RemovesGuild && scope.Keyed() {
		i.evictGuild(scope.GuildID)
	}

	return admitted
}

// evictGuild drops every mapping that points at guildID.
func (i *AffinityIndex) evictGuild(guildID kagami.ID) {
	for _, channelID := range i.channels.Keys() {
		if owner, ok := i.channels.Peek(channelID); ok && owner == guildID {
			i.channels.Remove(channelID)
		}
	}
}
