package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Commands understood by the local RPC server.
const (
	CmdDispatch                = "DISPATCH"
	CmdAuthorize               = "AUTHORIZE"
	CmdAuthenticate            = "AUTHENTICATE"
	CmdSubscribe               = "SUBSCRIBE"
	CmdUnsubscribe             = "UNSUBSCRIBE"
	CmdGetSelectedVoiceChannel = "GET_SELECTED_VOICE_CHANNEL"
	CmdGetVoiceSettings        = "GET_VOICE_SETTINGS"
	CmdSetVoiceSettings        = "SET_VOICE_SETTINGS"
	CmdSetUserVoiceSettings    = "SET_USER_VOICE_SETTINGS"
	CmdSelectVoiceChannel      = "SELECT_VOICE_CHANNEL"
	CmdSetActivity             = "SET_ACTIVITY"
)

// Events delivered through DISPATCH frames.
const (
	EvtReady                 = "READY"
	EvtError                 = "ERROR"
	EvtVoiceStateCreate      = "VOICE_STATE_CREATE"
	EvtVoiceStateUpdate      = "VOICE_STATE_UPDATE"
	EvtVoiceStateDelete      = "VOICE_STATE_DELETE"
	EvtSpeakingStart         = "SPEAKING_START"
	EvtSpeakingStop          = "SPEAKING_STOP"
	EvtVoiceConnectionStatus = "VOICE_CONNECTION_STATUS"
	EvtVoiceChannelSelect    = "VOICE_CHANNEL_SELECT"
	EvtVoiceSettingsUpdate   = "VOICE_SETTINGS_UPDATE"
	EvtNotificationCreate    = "NOTIFICATION_CREATE"
)

// RPC error codes returned in ERROR replies and close frames.
const (
	CodeUnknownError       = 1000
	CodeInvalidPayload     = 4000
	CodeInvalidCommand     = 4002
	CodeInvalidGuild       = 4003
	CodeInvalidEvent       = 4004
	CodeInvalidChannel     = 4005
	CodeInvalidPermissions = 4006
	CodeInvalidClientID    = 4007
	CodeInvalidOrigin      = 4008
	CodeInvalidToken       = 4009
	CodeInvalidUser        = 4010
	CodeOAuth2Error        = 5000
)

// Error is an ERROR reply from the RPC server.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Event is a DISPATCH frame.
type Event struct {
	Name string
	Data json.RawMessage
}

type request struct {
	Cmd   string `json:"cmd"`
	Args  any    `json:"args"`
	Evt   string `json:"evt,omitempty"`
	Nonce string `json:"nonce"`
}

type response struct {
	Cmd   string          `json:"cmd"`
	Evt   string          `json:"evt"`
	Nonce string          `json:"nonce"`
	Data  json.RawMessage `json:"data"`
}

// Token is an OAuth2 access token obtained through AUTHORIZE.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresIn    int       `json:"expires_in,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the token has a known expiry that is already past.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// ReadyData is the payload of the READY dispatch sent after the handshake.
type ReadyData struct {
	V      int             `json:"v"`
	Config json.RawMessage `json:"config"`
	User   *discordgo.User `json:"user"`
}

// AuthenticateResult is returned by AUTHENTICATE.
type AuthenticateResult struct {
	User    *discordgo.User `json:"user"`
	Scopes  []string        `json:"scopes"`
	Expires string          `json:"expires"`
}

// VoiceStateFlags are the server and self flags of a voice state. Each field
// is nil when the server omitted it.
type VoiceStateFlags struct {
	Mute     *bool `json:"mute,omitempty"`
	Deaf     *bool `json:"deaf,omitempty"`
	SelfMute *bool `json:"self_mute,omitempty"`
	SelfDeaf *bool `json:"self_deaf,omitempty"`
	Suppress *bool `json:"suppress,omitempty"`
}

// VoiceStatePayload is the shape of VOICE_STATE_* dispatches and of the
// voice_states entries of a channel.
type VoiceStatePayload struct {
	Nick       *string          `json:"nick,omitempty"`
	Mute       *bool            `json:"mute,omitempty"`
	Volume     *float64         `json:"volume,omitempty"`
	VoiceState *VoiceStateFlags `json:"voice_state,omitempty"`
	User       *discordgo.User  `json:"user,omitempty"`
}

// SpeakingPayload is the shape of SPEAKING_START and SPEAKING_STOP.
type SpeakingPayload struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id,omitempty"`
}

// ConnectionStatusPayload is the shape of VOICE_CONNECTION_STATUS.
type ConnectionStatusPayload struct {
	State    string  `json:"state"`
	Hostname string  `json:"hostname,omitempty"`
	LastPing float64 `json:"last_ping,omitempty"`
}

// ChannelSelectPayload is the shape of VOICE_CHANNEL_SELECT. ChannelID is
// empty when the user left voice.
type ChannelSelectPayload struct {
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
}

// Channel is the reply of GET_SELECTED_VOICE_CHANNEL.
type Channel struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Type        int                 `json:"type"`
	GuildID     string              `json:"guild_id,omitempty"`
	Bitrate     int                 `json:"bitrate,omitempty"`
	UserLimit   int                 `json:"user_limit,omitempty"`
	VoiceStates []VoiceStatePayload `json:"voice_states"`
}

// VoiceSettings is the subset of local voice settings the mirror reads and writes.
type VoiceSettings struct {
	Mute *bool `json:"mute,omitempty"`
	Deaf *bool `json:"deaf,omitempty"`
}

// UserVoiceSettings adjusts how a remote user is heard locally.
type UserVoiceSettings struct {
	Volume *int  `json:"volume,omitempty"`
	Mute   *bool `json:"mute,omitempty"`
}

// Activity is the rich presence payload of SET_ACTIVITY.
type Activity struct {
	Details    string              `json:"details,omitempty"`
	State      string              `json:"state,omitempty"`
	Timestamps *ActivityTimestamps `json:"timestamps,omitempty"`
	Assets     *ActivityAssets     `json:"assets,omitempty"`
	Instance   bool                `json:"instance"`
}

type ActivityTimestamps struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

type ActivityAssets struct {
	LargeImage string `json:"large_image,omitempty"`
	LargeText  string `json:"large_text,omitempty"`
	SmallImage string `json:"small_image,omitempty"`
	SmallText  string `json:"small_text,omitempty"`
}
