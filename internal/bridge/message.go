// Package bridge speaks the display client's message contract: JSON lines
// out, command lines in.
package bridge

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/keshon/voicemirror/internal/version"
)

const App = version.AppID

// Message types.
const (
	TypeChannelMember = "channel_member"
	TypeVoiceData     = "voice_data"
	TypeSpeakingData  = "speaking_data"
	TypeChannelInfo   = "channel_info"
	TypeClientData    = "client_data"
	TypeSongData      = "song_data"
)

// Message requests.
const (
	RequestConnect       = "connect"
	RequestDisconnect    = "disconnect"
	RequestRefreshCall   = "refresh_call"
	RequestJoin          = "join"
	RequestLeave         = "leave"
	RequestChannelBanner = "channel_banner"
)

type Message struct {
	App     string `json:"app"`
	Type    string `json:"type"`
	Request string `json:"request,omitempty"`
	Payload any    `json:"payload"`
}

func NewMessage(typ, request string, payload any) Message {
	return Message{App: App, Type: typ, Request: request, Payload: payload}
}

// Sink delivers messages to the display client.
type Sink interface {
	Send(Message) error
}

type SinkFunc func(Message) error

func (f SinkFunc) Send(m Message) error { return f(m) }

// WriterSink writes one JSON document per line. Safe for concurrent use.
type WriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w)}
}

func (s *WriterSink) Send(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(m)
}
