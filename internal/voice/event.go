// Package voice turns raw RPC dispatches into a closed set of voice events.
package voice

// Connection states reported by VOICE_CONNECTION_STATUS.
const (
	StatusDisconnected     = "DISCONNECTED"
	StatusAwaitingEndpoint = "AWAITING_ENDPOINT"
	StatusAuthenticating   = "AUTHENTICATING"
	StatusConnecting       = "VOICE_CONNECTING"
	StatusConnected        = "VOICE_CONNECTED"
	StatusNoRoute          = "NO_ROUTE"
	StatusICEChecking      = "ICE_CHECKING"
)

// DefaultVolume is the local volume of a user whose volume was never reported.
const DefaultVolume = 100

// UserPatch is a partial user update. Nil fields were absent from the event
// and must not overwrite stored values.
type UserPatch struct {
	ID        string
	Username  *string
	Nick      *string
	AvatarRef *string
	Speaking  *bool
	Mute      *bool
	Deaf      *bool
	Volume    *int
}

// Event is one of StateCreate, StateUpdate, StateDelete, SpeakingStart,
// SpeakingStop, ConnectionStatus or ChannelSelect.
type Event interface {
	isEvent()
}

type StateCreate struct{ User UserPatch }

type StateUpdate struct{ User UserPatch }

type StateDelete struct{ User UserPatch }

type SpeakingStart struct{ UserID string }

type SpeakingStop struct{ UserID string }

type ConnectionStatus struct{ State string }

// ChannelSelect reports a change of the selected voice channel. An empty
// ChannelID means the user left voice.
type ChannelSelect struct {
	ChannelID string
	GuildID   string
}

func (StateCreate) isEvent()      {}
func (StateUpdate) isEvent()      {}
func (StateDelete) isEvent()      {}
func (SpeakingStart) isEvent()    {}
func (SpeakingStop) isEvent()     {}
func (ConnectionStatus) isEvent() {}
func (ChannelSelect) isEvent()    {}

// UserID returns the user an event refers to, or "" for channel-level events.
func UserID(ev Event) string {
	switch e := ev.(type) {
	case StateCreate:
		return e.User.ID
	case StateUpdate:
		return e.User.ID
	case StateDelete:
		return e.User.ID
	case SpeakingStart:
		return e.UserID
	case SpeakingStop:
		return e.UserID
	}
	return ""
}
