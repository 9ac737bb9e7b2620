// Package presence follows one user's Discord activities over the gateway.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
)

type Option func(*Feed)

// WithOnUpdate registers a callback fired after the tracked user's
// activities change.
func WithOnUpdate(fn func([]*discordgo.Activity)) Option {
	return func(f *Feed) { f.onUpdate = fn }
}

func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

// Feed keeps the latest activities of the authenticated RPC user, as seen by
// a bot that shares a guild with them.
type Feed struct {
	token    string
	onUpdate func([]*discordgo.Activity)
	now      func() time.Time

	mu         sync.RWMutex
	userID     string
	activities []*discordgo.Activity
	at         time.Time
	seen       bool
	connected  bool
}

func New(token string, opts ...Option) *Feed {
	f := &Feed{token: token, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run opens the gateway session and blocks until ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + f.token)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildPresences
	dg.StateEnabled = false

	dg.AddHandler(f.onConnect)
	dg.AddHandler(f.onDisconnect)
	dg.AddHandler(f.onReady)
	dg.AddHandler(f.onGuildCreate)
	dg.AddHandler(f.onPresenceUpdate)

	if err := dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	defer dg.Close()

	<-ctx.Done()
	log.Info().Str("module", "presence").Msg("closing gateway session")
	return nil
}

// SetUserID selects whose activities are tracked. Changing it drops the
// previous user's activities.
func (f *Feed) SetUserID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userID == id {
		return
	}
	f.userID = id
	f.activities = nil
	f.at = time.Time{}
	f.seen = false
}

// Snapshot returns the tracked activities and when they were last known to
// be current. Presences are pushed on change, so while the gateway stays
// connected after the user's presence was seen that time is now.
func (f *Feed) Snapshot() ([]*discordgo.Activity, time.Time) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*discordgo.Activity, len(f.activities))
	copy(out, f.activities)
	if f.connected && f.seen {
		return out, f.now()
	}
	return out, f.at
}

func (f *Feed) onConnect(s *discordgo.Session, c *discordgo.Connect) {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
}

// onDisconnect freezes the observation time until the gateway reconnects.
// A resume replays missed presences and a fresh identify resends them with
// GUILD_CREATE.
func (f *Feed) onDisconnect(s *discordgo.Session, d *discordgo.Disconnect) {
	f.mu.Lock()
	if f.connected && f.seen {
		f.at = f.now()
	}
	f.connected = false
	f.mu.Unlock()
	log.Warn().Str("module", "presence").Msg("gateway disconnected")
}

func (f *Feed) onReady(s *discordgo.Session, r *discordgo.Ready) {
	log.Info().Str("module", "presence").Str("bot", r.User.Username).Int("guilds", len(r.Guilds)).Msg("gateway ready")
}

func (f *Feed) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil {
		return
	}
	for _, p := range g.Presences {
		f.apply(p)
	}
}

func (f *Feed) onPresenceUpdate(s *discordgo.Session, p *discordgo.PresenceUpdate) {
	f.apply(&p.Presence)
}

func (f *Feed) apply(p *discordgo.Presence) {
	if p == nil || p.User == nil {
		return
	}

	f.mu.Lock()
	if f.userID == "" || p.User.ID != f.userID {
		f.mu.Unlock()
		return
	}
	f.activities = append([]*discordgo.Activity(nil), p.Activities...)
	f.at = f.now()
	f.seen = true
	acts := append([]*discordgo.Activity(nil), f.activities...)
	f.mu.Unlock()

	log.Debug().Str("module", "presence").Str("user", p.User.ID).Int("activities", len(acts)).Msg("presence updated")
	if f.onUpdate != nil {
		f.onUpdate(acts)
	}
}
