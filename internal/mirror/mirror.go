// Package mirror wires the RPC session, channel tracking, now-playing
// resolution and the display bridge into one running service.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/keshon/voicemirror/internal/avatar"
	"github.com/keshon/voicemirror/internal/bridge"
	"github.com/keshon/voicemirror/internal/channel"
	"github.com/keshon/voicemirror/internal/config"
	"github.com/keshon/voicemirror/internal/discord/presence"
	"github.com/keshon/voicemirror/internal/discord/rpc"
	"github.com/keshon/voicemirror/internal/musicstatus"
	"github.com/keshon/voicemirror/internal/nowplaying"
	"github.com/keshon/voicemirror/internal/poll"
	"github.com/keshon/voicemirror/internal/roster"
	"github.com/keshon/voicemirror/internal/session"
	"github.com/keshon/voicemirror/internal/storage"
	"github.com/keshon/voicemirror/internal/voice"
	"github.com/keshon/voicemirror/pkg/jobmgr"
	"github.com/keshon/voicemirror/pkg/retrylimit"
)

const (
	musicPollJob  = "music-poll"
	nowPlayingJob = "now-playing"

	nowPlayingInterval = 5 * time.Second
)

type Option func(*Mirror)

// WithSink replaces the display output.
func WithSink(s bridge.Sink) Option {
	return func(m *Mirror) { m.sink = s }
}

// WithCommands reads display commands from r.
func WithCommands(r io.Reader) Option {
	return func(m *Mirror) { m.commands = r }
}

// WithDialer replaces the RPC dialer.
func WithDialer(d session.Dialer) Option {
	return func(m *Mirror) { m.dialer = d }
}

// WithAvatars replaces the CDN avatar resolver.
func WithAvatars(ar roster.AvatarResolver) Option {
	return func(m *Mirror) { m.avatars = ar }
}

// Mirror owns every component for one process.
type Mirror struct {
	cfg      *config.Config
	sink     bridge.Sink
	commands io.Reader
	dialer   session.Dialer
	avatars  roster.AvatarResolver

	jobs      *jobmgr.Manager
	publisher *bridge.Publisher
	roster    *roster.Roster
	channels  *channel.Manager
	session   *session.Connector
	songs     *nowplaying.Resolver
	music     *musicstatus.Client
	feed      *presence.Feed

	extMu    sync.Mutex
	external *nowplaying.External

	// runCtx is set by Run before the session starts.
	runCtx context.Context

	protocolErrors atomic.Int64
}

// New builds the component graph. Nothing runs until Run.
func New(cfg *config.Config, store *storage.Storage, opts ...Option) *Mirror {
	m := &Mirror{cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}
	if m.avatars == nil {
		m.avatars = avatar.NewResolver()
	}
	if m.sink == nil {
		m.sink = bridge.SinkFunc(func(bridge.Message) error { return nil })
	}

	m.jobs = jobmgr.NewManager(jobmgr.LogReporter("mirror"))
	m.publisher = bridge.NewPublisher(m.sink)
	m.roster = roster.New(
		roster.WithObserver(m.publisher),
		roster.WithAvatarResolver(m.avatars),
	)

	sessOpts := []session.Option{
		session.WithObserver(m),
		session.WithActivity(m.activity),
		session.WithJobManager(m.jobs),
	}
	if m.dialer != nil {
		sessOpts = append(sessOpts, session.WithDialer(m.dialer))
	}
	m.session = session.NewConnector(session.Config{
		RPC: rpc.Config{
			ClientID:         cfg.ClientID,
			Host:             cfg.RPCHost,
			Port:             cfg.RPCPort,
			Origin:           cfg.RPCOrigin,
			Timeout:          cfg.RPCTimeout,
			AuthorizeTimeout: cfg.AuthorizeTimeout,
		},
		ClientSecret:         cfg.ClientSecret,
		RedirectURI:          cfg.RedirectURI,
		Scopes:               cfg.Scopes,
		RichPresence:         cfg.RichPresence,
		RichPresenceInterval: cfg.RichPresenceInterval,
		Backoff: retrylimit.BackoffConfig{
			Initial:          cfg.ReconnectInitialDelay,
			Max:              cfg.ReconnectMaxDelay,
			Multiplier:       2,
			Jitter:           true,
			BreakerThreshold: cfg.ReconnectBreakerThreshold,
			BreakerCooldown:  cfg.ReconnectBreakerCooldown,
		},
	}, storage.NewSlot[rpc.Token](store, storage.SessionTokenKey), sessOpts...)

	m.channels = channel.NewManager(m.session, m.roster,
		channel.WithObserver(m),
		channel.WithHistoryLimit(cfg.RecentChannelsLimit),
	)

	songOpts := []nowplaying.Option{
		nowplaying.WithStore(storage.NewSlot[nowplaying.Song](store, storage.LastKnownSongKey)),
	}
	if cfg.MusicStatusURL != "" {
		m.music = musicstatus.NewClient(cfg.MusicStatusURL)
		songOpts = append(songOpts, nowplaying.WithFreezeGate())
	}
	m.songs = nowplaying.NewResolver(songOpts...)

	if cfg.BotToken != "" {
		m.feed = presence.New(cfg.BotToken, presence.WithOnUpdate(func([]*discordgo.Activity) {
			m.resolveSong()
		}))
	}
	return m
}

// Run blocks until ctx is done or the session hits a configuration error.
func (m *Mirror) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	m.runCtx = ctx

	if m.music != nil {
		loop := &poll.Loop[musicstatus.Status]{
			Name:       musicPollJob,
			Fetch:      m.music.Fetch,
			Equal:      musicstatus.Equal,
			OnResult:   m.musicResult,
			Controller: poll.NewController(),
		}
		if err := m.jobs.StartAsync(ctx, musicPollJob, loop.Run); err != nil {
			return err
		}
	}
	if err := m.jobs.StartPeriodic(ctx, nowPlayingJob, nowPlayingInterval, func(context.Context) error {
		m.resolveSong()
		return nil
	}); err != nil {
		return err
	}
	log.Info().Str("module", "mirror").Msg(m.jobs.Status())

	g.Go(func() error { return m.session.Run(ctx) })
	g.Go(func() error { return m.eventLoop(ctx) })

	if m.feed != nil {
		feed := m.feed
		g.Go(func() error {
			if err := feed.Run(ctx); err != nil {
				log.Error().Str("module", "mirror").Err(err).Msg("presence feed stopped")
			}
			return nil
		})
	}

	// Reads block until the next line, so the reader is not part of the group.
	if m.commands != nil {
		go func() {
			if err := bridge.ReadCommands(ctx, m.commands, m); err != nil {
				log.Warn().Str("module", "mirror").Err(err).Msg("command input closed")
			}
		}()
	}

	err := g.Wait()
	m.shutdown()

	var cfgErr *session.ConfigurationError
	if errors.As(err, &cfgErr) {
		return err
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (m *Mirror) shutdown() {
	m.jobs.StopAll()
	m.channels.Wait()
	m.channels.Leave(context.Background())
	m.session.Close()
	m.roster.Close()
	log.Info().Str("module", "mirror").Int64("protocol_errors", m.protocolErrors.Load()).Msg("mirror stopped")
}

// eventLoop feeds RPC dispatches to the channel manager one at a time.
func (m *Mirror) eventLoop(ctx context.Context) error {
	events := m.session.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-events:
			m.handle(ctx, raw)
		}
	}
}

func (m *Mirror) handle(ctx context.Context, raw rpc.Event) {
	ev, err := voice.Normalize(raw.Name, raw.Data)
	if err != nil {
		if errors.Is(err, voice.ErrIgnoredEvent) {
			log.Debug().Str("module", "mirror").Str("event", raw.Name).Msg("ignored event")
			return
		}
		n := m.protocolErrors.Add(1)
		log.Warn().Str("module", "mirror").Err(err).Int64("count", n).Msg("dropped event")
		return
	}
	m.channels.Handle(ctx, ev)
}

// ProtocolErrors is the number of dispatches dropped at normalization.
func (m *Mirror) ProtocolErrors() int64 { return m.protocolErrors.Load() }

func (m *Mirror) musicResult(st musicstatus.Status, changed bool, err error) {
	m.extMu.Lock()
	switch {
	case errors.Is(err, musicstatus.ErrNoConnection):
		m.external = &nowplaying.External{Connected: false}
	case err != nil:
		// keep the previous answer
	default:
		m.external = &nowplaying.External{Connected: true, IsPlaying: st.IsPlaying, Track: st.Track}
	}
	m.extMu.Unlock()

	if changed || errors.Is(err, musicstatus.ErrNoConnection) {
		m.resolveSong()
	}
}

func (m *Mirror) resolveSong() {
	in := nowplaying.Input{Now: time.Now()}
	if m.feed != nil {
		in.Activities, in.ActivitiesAt = m.feed.Snapshot()
	}
	m.extMu.Lock()
	if m.external != nil {
		ext := *m.external
		in.External = &ext
	}
	m.extMu.Unlock()

	if d, changed := m.songs.Resolve(in); changed {
		m.publisher.SongChanged(d)
	}
}

// activity builds the rich presence payload from the current channel.
func (m *Mirror) activity() rpc.Activity {
	a := rpc.Activity{
		Details: m.cfg.RichPresenceDetails,
		Assets:  &rpc.ActivityAssets{LargeText: "voicemirror"},
	}
	if sel := m.channels.Selected(); sel != nil {
		a.State = fmt.Sprintf("In %s (%d)", sel.Name, m.roster.Len())
	} else {
		a.State = "Not in a voice channel"
	}
	return a
}

// SessionConnected implements session.Observer.
func (m *Mirror) SessionConnected(user *discordgo.User) {
	m.publisher.SessionConnected(user)
	if m.feed != nil && user != nil {
		m.feed.SetUserID(user.ID)
	}

	// The user may already be in a call.
	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	m.channels.SelectAsync(ctx)
}

func (m *Mirror) SessionDisconnected(err error) {
	m.channels.Leave(context.Background())
	m.publisher.SessionDisconnected(err)
}

// ChannelJoined implements channel.Observer.
func (m *Mirror) ChannelJoined(sel channel.Selected) {
	m.publisher.ChannelJoined(sel)
	m.publisher.RefreshCall(m.roster.All())
}

func (m *Mirror) ChannelLeft(sel channel.Selected) {
	m.publisher.ChannelLeft(sel)
}

// ToggleMute implements bridge.Controls.
func (m *Mirror) ToggleMute(ctx context.Context) error {
	vs, err := m.session.GetVoiceSettings(ctx)
	if err != nil {
		return err
	}
	mute := vs.Mute == nil || !*vs.Mute
	return m.session.SetVoiceSettings(ctx, rpc.VoiceSettings{Mute: &mute})
}

func (m *Mirror) ToggleDeafen(ctx context.Context) error {
	vs, err := m.session.GetVoiceSettings(ctx)
	if err != nil {
		return err
	}
	deaf := vs.Deaf == nil || !*vs.Deaf
	return m.session.SetVoiceSettings(ctx, rpc.VoiceSettings{Deaf: &deaf})
}

func (m *Mirror) LeaveChannel(ctx context.Context) error {
	if err := m.session.SelectVoiceChannel(ctx, ""); err != nil {
		return err
	}
	m.channels.Leave(ctx)
	return nil
}

func (m *Mirror) SetUserVolume(ctx context.Context, userID string, volume int) error {
	if err := m.session.SetUserVoiceSettings(ctx, userID, rpc.UserVoiceSettings{Volume: &volume}); err != nil {
		return err
	}
	if _, ok := m.roster.Get(userID); ok {
		m.roster.Merge(voice.UserPatch{ID: userID, Volume: &volume})
	}
	return nil
}

func (m *Mirror) RefreshCall(ctx context.Context) error {
	err := m.channels.Select(ctx)
	if err != nil && !errors.Is(err, channel.ErrNoChannel) && !errors.Is(err, channel.ErrSelectInFlight) {
		return err
	}
	m.publisher.RefreshCall(m.roster.All())
	return nil
}
