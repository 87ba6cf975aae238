package codec

import (
	"encoding/json"
	"fmt"

	"ex-kagami/pkg/kagami"
)

// guildCreateWire is the GUILD_CREATE body: the guild with its children inline.
type guildCreateWire struct {
	kagami.Guild
	Channels    []kagami.Channel    `json:"channels,omitempty"`
	Roles       []kagami.Role       `json:"roles,omitempty"`
	Members     []kagami.Member     `json:"members,omitempty"`
	Presences   []kagami.Presence   `json:"presences,omitempty"`
	VoiceStates []kagami.VoiceState `json:"voice_states,omitempty"`
}

// decodePayload maps one dispatch body onto its payload type.
func decodePayload(kind kagami.EventKind, body []byte) (kagami.Payload, error) {
	switch kind {
	case kagami.EventKindReady:
		return decodeInto[kagami.Ready](body)
	case kagami.EventKindResumed:
		return kagami.Resumed{}, nil
	case kagami.EventKindUserUpdate:
		user, err := decodeInto[kagami.User](body)
		return kagami.UserUpdate{User: user}, err
	case kagami.EventKindGuildCreate:
		wire, err := decodeInto[guildCreateWire](body)
		if err != nil {
			return nil, err
		}
		return kagami.GuildCreate{
			Guild:       wire.Guild,
			Channels:    wire.Channels,
			Roles:       wire.Roles,
			Members:     wire.Members,
			Presences:   wire.Presences,
			VoiceStates: wire.VoiceStates,
		}, nil
	case kagami.EventKindGuildUpdate:
		guild, err := decodeInto[kagami.Guild](body)
		return kagami.GuildUpdate{Guild: guild}, err
	case kagami.EventKindGuildDelete:
		return decodeInto[kagami.GuildDelete](body)
	case kagami.EventKindChannelCreate:
		channel, err := decodeInto[kagami.Channel](body)
		return kagami.ChannelCreate{Channel: channel}, err
	case kagami.EventKindChannelUpdate:
		channel, err := decodeInto[kagami.Channel](body)
		return kagami.ChannelUpdate{Channel: channel}, err
	case kagami.EventKindChannelDelete:
		return decodeInto[kagami.ChannelDelete](body)
	case kagami.EventKindRoleCreate:
		return decodeInto[kagami.RoleCreate](body)
	case kagami.EventKindRoleUpdate:
		return decodeInto[kagami.RoleUpdate](body)
	case kagami.EventKindRoleDelete:
		return decodeInto[kagami.RoleDelete](body)
	case kagami.EventKindMemberAdd:
		member, err := decodeInto[kagami.Member](body)
		return kagami.MemberAdd{Member: member}, err
	case kagami.EventKindMemberUpdate:
		member, err := decodeInto[kagami.Member](body)
		return kagami.MemberUpdate{Member: member}, err
	case kagami.EventKindMemberRemove:
		return decodeInto[kagami.MemberRemove](body)
	case kagami.EventKindMessageCreate:
		message, err := decodeInto[kagami.Message](body)
		return kagami.MessageCreate{Message: message}, err
	case kagami.EventKindMessageUpdate:
		message, err := decodeInto[kagami.Message](body)
		return kagami.MessageUpdate{Message: message}, err
	case kagami.EventKindMessageDelete:
		return decodeInto[kagami.MessageDelete](body)
	case kagami.EventKindMessageDeleteBulk:
		return decodeInto[kagami.MessageDeleteBulk](body)
	case kagami.EventKindPresenceUpdate:
		presence, err := decodeInto[kagami.Presence](body)
		return kagami.PresenceUpdate{Presence: presence}, err
	case kagami.EventKindVoiceStateUpdate:
		state, err := decodeInto[kagami.VoiceState](body)
		return kagami.VoiceStateUpdate{VoiceState: state}, err
	default:
		return nil, nil
	}
}

// encodePayload produces the dispatch body for payload.
func encodePayload(payload kagami.Payload) (json.RawMessage, error) {
	var body any
	switch typed := payload.(type) {
	case kagami.Resumed:
		return nil, nil
	case kagami.UserUpdate:
		body = typed.User
	case kagami.GuildCreate:
		body = guildCreateWire{
			Guild:       typed.Guild,
			Channels:    typed.Channels,
			Roles:       typed.Roles,
			Members:     typed.Members,
			Presences:   typed.Presences,
			VoiceStates: typed.VoiceStates,
		}
	case kagami.GuildUpdate:
		body = typed.Guild
	case kagami.ChannelCreate:
		body = typed.Channel
	case kagami.ChannelUpdate:
		body = typed.Channel
	case kagami.MemberAdd:
		body = typed.Member
	case kagami.MemberUpdate:
		body = typed.Member
	case kagami.MessageCreate:
		body = typed.Message
	case kagami.MessageUpdate:
		body = typed.Message
	case kagami.PresenceUpdate:
		body = typed.Presence
	case kagami.VoiceStateUpdate:
		body = typed.VoiceState
	case kagami.RequestResult:
		body = typed.Entity
	default:
		body = payload
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", payload.Kind(), err)
	}

	return raw, nil
}

func decodeInto[T any](body []byte) (T, error) {
	var value T
	if len(body) == 0 {
		return value, fmt.Errorf("missing body")
	}
	if err := json.Unmarshal(body, &value); err != nil {
		return value, fmt.Errorf("unmarshal %T: %w", value, err)
	}

	return value, nil
}
