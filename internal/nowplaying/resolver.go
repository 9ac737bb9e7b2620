// Package nowplaying decides which song to show from Discord listening
// activities, the external music source and the last song seen.
package nowplaying

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/keshon/voicemirror/internal/musicstatus"
)

const (
	StaleAfter      = 5 * time.Minute
	PersistInterval = 30 * time.Second
)

// Song is what the display shows. Two songs are the same when Details and
// State match.
type Song struct {
	Details    string    `json:"details"`
	State      string    `json:"state"`
	LargeImage string    `json:"large_image,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Playing    bool      `json:"playing"`
}

func (s *Song) Same(o *Song) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Details == o.Details && s.State == o.State
}

// External is the last answer of the music status source.
type External struct {
	Connected bool
	IsPlaying bool
	Track     *musicstatus.Track
}

// Input is one evaluation tick.
type Input struct {
	Activities   []*discordgo.Activity
	// ActivitiesAt is when Activities were observed.
	ActivitiesAt time.Time
	External     *External
	Now          time.Time
}

type Display struct {
	Song            *Song              `json:"song,omitempty"`
	ActuallyPlaying bool               `json:"actually_playing"`
	Track           *musicstatus.Track `json:"track,omitempty"`
	NoConnection    bool               `json:"no_connection"`
}

// Store persists the last known song.
type Store interface {
	Load() (Song, bool, error)
	Save(Song) error
}

type Option func(*Resolver)

// WithStore persists the last known song across restarts.
func WithStore(s Store) Option {
	return func(r *Resolver) { r.store = s }
}

// WithFreezeGate holds the displayed song while the external source is not
// playing. Enable it only when an external source is configured.
func WithFreezeGate() Option {
	return func(r *Resolver) { r.freeze = true }
}

type Resolver struct {
	store  Store
	freeze bool

	mu          sync.Mutex
	loaded      bool
	lastKnown   *Song
	lastPersist time.Time
	display     Display
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve evaluates one tick. changed reports whether the displayed song or
// its playing state differs from the previous tick.
func (r *Resolver) Resolve(in Input) (Display, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	r.loadOnce()

	candidate := listening(in)
	if candidate != nil {
		r.remember(*candidate, in.Now)
	}

	next := candidate
	if next == nil && r.lastKnown != nil && in.Now.Sub(r.lastKnown.Timestamp) < StaleAfter {
		fallback := *r.lastKnown
		fallback.Playing = false
		next = &fallback
	}

	actuallyPlaying := in.External != nil && in.External.Connected && in.External.IsPlaying

	prev := r.display
	if r.freeze && !actuallyPlaying && prev.Song != nil {
		next = prev.Song
	}

	d := Display{Song: next, ActuallyPlaying: actuallyPlaying}
	if in.External != nil {
		d.Track = in.External.Track
		d.NoConnection = !in.External.Connected
	}
	r.display = d

	changed := !prev.Song.Same(d.Song) || playing(prev.Song) != playing(d.Song) ||
		prev.ActuallyPlaying != d.ActuallyPlaying || prev.NoConnection != d.NoConnection ||
		!prev.Track.Same(d.Track)
	return d, changed
}

// Current returns the last resolved display.
func (r *Resolver) Current() Display {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.display
}

// LastKnown returns the remembered song, if any.
func (r *Resolver) LastKnown() (Song, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadOnce()
	if r.lastKnown == nil {
		return Song{}, false
	}
	return *r.lastKnown, true
}

func (r *Resolver) loadOnce() {
	if r.loaded {
		return
	}
	r.loaded = true
	if r.store == nil {
		return
	}
	s, ok, err := r.store.Load()
	if err != nil {
		log.Warn().Str("module", "nowplaying").Err(err).Msg("failed to load last known song")
		return
	}
	if ok {
		r.lastKnown = &s
	}
}

func (r *Resolver) remember(s Song, now time.Time) {
	r.lastKnown = &s
	if r.store == nil || (!r.lastPersist.IsZero() && now.Sub(r.lastPersist) < PersistInterval) {
		return
	}
	if err := r.store.Save(s); err != nil {
		log.Warn().Str("module", "nowplaying").Err(err).Msg("failed to persist last known song")
		return
	}
	r.lastPersist = now
}

// listening picks the first fresh listening activity.
func listening(in Input) *Song {
	at := in.ActivitiesAt
	if at.IsZero() {
		at = in.Now
	}
	if in.Now.Sub(at) >= StaleAfter {
		return nil
	}
	for _, a := range in.Activities {
		if a == nil || a.Type != discordgo.ActivityTypeListening {
			continue
		}
		return &Song{
			Details:    a.Details,
			State:      a.State,
			LargeImage: a.Assets.LargeImageID,
			Timestamp:  at,
			Playing:    true,
		}
	}
	return nil
}

func playing(s *Song) bool {
	return s != nil && s.Playing
}
