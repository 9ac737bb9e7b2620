package voice

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/keshon/voicemirror/internal/discord/rpc"
)

// Normalize converts a dispatch into an Event. It has no state and never
// returns values that alias payload.
func Normalize(name string, payload json.RawMessage) (Event, error) {
	switch name {
	case rpc.EvtVoiceStateCreate, rpc.EvtVoiceStateUpdate, rpc.EvtVoiceStateDelete:
		var vs rpc.VoiceStatePayload
		if err := json.Unmarshal(payload, &vs); err != nil {
			return nil, malformed(name, err)
		}
		patch, ok := FromVoiceState(vs)
		if !ok {
			return nil, malformed(name, fmt.Errorf("no user id"))
		}
		switch name {
		case rpc.EvtVoiceStateCreate:
			return StateCreate{User: patch}, nil
		case rpc.EvtVoiceStateUpdate:
			return StateUpdate{User: patch}, nil
		default:
			return StateDelete{User: patch}, nil
		}

	case rpc.EvtSpeakingStart, rpc.EvtSpeakingStop:
		var sp rpc.SpeakingPayload
		if err := json.Unmarshal(payload, &sp); err != nil {
			return nil, malformed(name, err)
		}
		if sp.UserID == "" {
			return nil, malformed(name, fmt.Errorf("no user id"))
		}
		if name == rpc.EvtSpeakingStart {
			return SpeakingStart{UserID: sp.UserID}, nil
		}
		return SpeakingStop{UserID: sp.UserID}, nil

	case rpc.EvtVoiceConnectionStatus:
		var cs rpc.ConnectionStatusPayload
		if err := json.Unmarshal(payload, &cs); err != nil {
			return nil, malformed(name, err)
		}
		if cs.State == "" {
			return nil, malformed(name, fmt.Errorf("no state"))
		}
		return ConnectionStatus{State: cs.State}, nil

	case rpc.EvtVoiceChannelSelect:
		var sel rpc.ChannelSelectPayload
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &sel); err != nil {
				return nil, malformed(name, err)
			}
		}
		return ChannelSelect{ChannelID: sel.ChannelID, GuildID: sel.GuildID}, nil

	case rpc.EvtNotificationCreate, rpc.EvtVoiceSettingsUpdate:
		return nil, &ProtocolError{Event: name, Err: ErrIgnoredEvent}
	}

	return nil, &ProtocolError{Event: name, Err: ErrUnknownEvent}
}

func malformed(name string, err error) error {
	return &ProtocolError{Event: name, Err: fmt.Errorf("%w: %v", ErrMalformedPayload, err)}
}

// FromVoiceState builds a patch from a voice state entry. It reports false
// for entries without a user.
func FromVoiceState(vs rpc.VoiceStatePayload) (UserPatch, bool) {
	if vs.User == nil || vs.User.ID == "" {
		return UserPatch{}, false
	}

	p := UserPatch{ID: vs.User.ID}
	if vs.User.Username != "" {
		p.Username = ptr(vs.User.Username)
	}
	if vs.Nick != nil {
		p.Nick = ptr(*vs.Nick)
	}
	if vs.User.Avatar != "" {
		p.AvatarRef = ptr(vs.User.Avatar)
	}
	if vs.Volume != nil {
		p.Volume = ptr(int(math.Round(*vs.Volume)))
	}

	if f := vs.VoiceState; f != nil {
		p.Mute = either(f.Mute, f.SelfMute)
		p.Deaf = either(f.Deaf, f.SelfDeaf)
	}
	return p, true
}

// either ORs two optional flags. The result is nil only when both are absent.
func either(a, b *bool) *bool {
	if a == nil && b == nil {
		return nil
	}
	return ptr((a != nil && *a) || (b != nil && *b))
}

func ptr[T any](v T) *T { return &v }
