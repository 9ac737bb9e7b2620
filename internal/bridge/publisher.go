package bridge

import (
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/keshon/voicemirror/internal/channel"
	"github.com/keshon/voicemirror/internal/nowplaying"
	"github.com/keshon/voicemirror/internal/roster"
)

type SpeakingPayload struct {
	ID       string `json:"id"`
	Speaking bool   `json:"speaking"`
}

type VoicePayload struct {
	Mute bool `json:"mute"`
	Deaf bool `json:"deaf"`
}

type ChannelPayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	GuildID string `json:"guild_id,omitempty"`
}

type ClientPayload struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Publisher turns roster, channel, session and song changes into messages.
type Publisher struct {
	sink Sink

	mu     sync.RWMutex
	selfID string
}

func NewPublisher(sink Sink) *Publisher {
	return &Publisher{sink: sink}
}

func (p *Publisher) send(m Message) {
	if err := p.sink.Send(m); err != nil {
		log.Warn().Str("module", "bridge").Str("type", m.Type).Err(err).Msg("send failed")
	}
}

func (p *Publisher) self() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.selfID
}

// RosterChanged implements roster.Observer.
func (p *Publisher) RosterChanged(c roster.Change) {
	switch c.Kind {
	case roster.Joined:
		p.send(NewMessage(TypeChannelMember, RequestJoin, c.User))
	case roster.Updated, roster.AvatarResolved:
		p.send(NewMessage(TypeChannelMember, "", c.User))
	case roster.Removed:
		p.send(NewMessage(TypeChannelMember, RequestLeave, c.User))
	case roster.Speaking:
		p.send(NewMessage(TypeSpeakingData, "", SpeakingPayload{ID: c.User.ID, Speaking: c.User.Speaking}))
		return
	case roster.Cleared:
		p.send(NewMessage(TypeChannelMember, RequestRefreshCall, []roster.ConnectedUser{}))
		return
	}

	if self := p.self(); self != "" && c.User.ID == self && c.Kind != roster.Removed {
		p.send(NewMessage(TypeVoiceData, "", VoicePayload{Mute: c.User.Mute, Deaf: c.User.Deaf}))
	}
}

// RefreshCall sends the whole roster.
func (p *Publisher) RefreshCall(users []roster.ConnectedUser) {
	if users == nil {
		users = []roster.ConnectedUser{}
	}
	p.send(NewMessage(TypeChannelMember, RequestRefreshCall, users))
}

// ChannelJoined implements channel.Observer. The roster refresh is sent by
// the caller once the roster is hydrated.
func (p *Publisher) ChannelJoined(sel channel.Selected) {
	payload := ChannelPayload{ID: sel.ID, Name: sel.Name, GuildID: sel.GuildID}
	p.send(NewMessage(TypeChannelInfo, RequestJoin, payload))
	if sel.GuildID != "" {
		p.send(NewMessage(TypeChannelInfo, RequestChannelBanner, payload))
	}
}

func (p *Publisher) ChannelLeft(sel channel.Selected) {
	p.send(NewMessage(TypeChannelInfo, RequestLeave, ChannelPayload{ID: sel.ID, Name: sel.Name, GuildID: sel.GuildID}))
}

// SessionConnected implements session.Observer.
func (p *Publisher) SessionConnected(user *discordgo.User) {
	payload := ClientPayload{}
	if user != nil {
		payload.ID, payload.Username, payload.Avatar = user.ID, user.Username, user.Avatar
	}

	p.mu.Lock()
	p.selfID = payload.ID
	p.mu.Unlock()

	p.send(NewMessage(TypeClientData, RequestConnect, payload))
}

func (p *Publisher) SessionDisconnected(err error) {
	p.mu.Lock()
	p.selfID = ""
	p.mu.Unlock()

	payload := ClientPayload{}
	if err != nil {
		payload.Reason = err.Error()
	}
	p.send(NewMessage(TypeClientData, RequestDisconnect, payload))
}

// SongChanged publishes the resolved now-playing display.
func (p *Publisher) SongChanged(d nowplaying.Display) {
	p.send(NewMessage(TypeSongData, "", d))
}
