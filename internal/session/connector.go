// Package session owns the RPC connection: credentials, authorization,
// login and reconnects.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/keshon/voicemirror/internal/discord/rpc"
	"github.com/keshon/voicemirror/pkg/jobmgr"
	"github.com/keshon/voicemirror/pkg/retrylimit"
)

const richPresenceJob = "rich-presence"

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Conn is the subset of *rpc.Client the connector drives.
type Conn interface {
	Authorize(ctx context.Context, scopes []string, secret, redirectURI string) (*rpc.Token, error)
	Refresh(ctx context.Context, token *rpc.Token, secret string) (*rpc.Token, error)
	Authenticate(ctx context.Context, accessToken string) (*rpc.AuthenticateResult, error)
	Subscribe(ctx context.Context, evt string, args any) (rpc.Subscription, error)
	GetSelectedVoiceChannel(ctx context.Context) (*rpc.Channel, error)
	GetVoiceSettings(ctx context.Context) (*rpc.VoiceSettings, error)
	SetVoiceSettings(ctx context.Context, settings rpc.VoiceSettings) error
	SetUserVoiceSettings(ctx context.Context, userID string, settings rpc.UserVoiceSettings) error
	SelectVoiceChannel(ctx context.Context, channelID string) error
	SetActivity(ctx context.Context, activity rpc.Activity) error
	ClearActivity(ctx context.Context) error
	Events() <-chan rpc.Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a Conn.
type Dialer func(ctx context.Context, cfg rpc.Config) (Conn, error)

// DialRPC is the production Dialer.
func DialRPC(ctx context.Context, cfg rpc.Config) (Conn, error) {
	return rpc.Dial(ctx, cfg)
}

// TokenStore persists the OAuth2 token between runs.
type TokenStore interface {
	Load() (rpc.Token, bool, error)
	Save(rpc.Token) error
	Clear() error
}

// Observer is told about connection transitions.
type Observer interface {
	SessionConnected(user *discordgo.User)
	SessionDisconnected(err error)
}

// ActivityFunc builds the rich presence payload for one refresh.
type ActivityFunc func() rpc.Activity

type Config struct {
	RPC          rpc.Config
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	RichPresence         bool
	RichPresenceInterval time.Duration

	Backoff retrylimit.BackoffConfig
}

type Option func(*Connector)

func WithDialer(d Dialer) Option {
	return func(c *Connector) { c.dial = d }
}

func WithObserver(o Observer) Option {
	return func(c *Connector) { c.observer = o }
}

func WithActivity(fn ActivityFunc) Option {
	return func(c *Connector) { c.activity = fn }
}

func WithJobManager(jm *jobmgr.Manager) Option {
	return func(c *Connector) { c.jobs = jm }
}

// Connector keeps one RPC session alive. It implements channel.Upstream by
// delegating to the live connection.
type Connector struct {
	cfg      Config
	tokens   TokenStore
	dial     Dialer
	observer Observer
	activity ActivityFunc
	jobs     *jobmgr.Manager
	backoff  *retrylimit.Backoff

	mu    sync.RWMutex
	conn  Conn
	state State
	user  *discordgo.User

	events chan rpc.Event
	fwd    sync.WaitGroup
}

func NewConnector(cfg Config, tokens TokenStore, opts ...Option) *Connector {
	if cfg.RichPresenceInterval <= 0 {
		cfg.RichPresenceInterval = 30 * time.Second
	}
	c := &Connector{
		cfg:     cfg,
		tokens:  tokens,
		dial:    DialRPC,
		backoff: retrylimit.NewBackoff(cfg.Backoff),
		events:  make(chan rpc.Event, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.jobs == nil {
		c.jobs = jobmgr.NewManager(jobmgr.LogReporter("session"))
	}
	return c
}

// Register checks that the client credentials are present.
func (c *Connector) Register() error {
	var missing []string
	if c.cfg.RPC.ClientID == "" {
		missing = append(missing, "DISCORD_CLIENT_ID")
	}
	if c.cfg.ClientSecret == "" {
		missing = append(missing, "DISCORD_CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	return nil
}

// Run registers and keeps the session connected until ctx ends. Only a
// ConfigurationError is returned; transport failures are retried.
func (c *Connector) Run(ctx context.Context) error {
	if err := c.Register(); err != nil {
		return err
	}

	for {
		conn, err := c.Connect(ctx)
		if ctx.Err() != nil {
			c.Close()
			return nil
		}
		if err != nil {
			var cfgErr *ConfigurationError
			if errors.As(err, &cfgErr) {
				return err
			}
			log.Warn().Str("module", "session").Err(err).Int("failures", c.backoff.Failures()+1).
				Int("breaker_trips", c.backoff.Trips()).Msg("connect failed")
			if err := c.backoff.Wait(ctx); err != nil {
				return nil
			}
			continue
		}

		c.backoff.Reset()

		select {
		case <-ctx.Done():
			c.Close()
			return nil
		case <-conn.Done():
		}

		reason := conn.Err()
		c.disconnected(conn, reason)
		log.Warn().Str("module", "session").Err(reason).Msg("disconnected, reconnecting")
		if err := c.backoff.Wait(ctx); err != nil {
			return nil
		}
	}
}

// Connect dials, obtains a token when none is stored, and logs in. On
// success the session is ready and the live connection is returned.
func (c *Connector) Connect(ctx context.Context) (Conn, error) {
	c.setState(Connecting)

	conn, err := c.dial(ctx, c.cfg.RPC)
	if err != nil {
		c.setState(Disconnected)
		return nil, &TransportError{Op: "connect", Err: err}
	}

	token, err := c.token(ctx, conn)
	if err != nil {
		conn.Close()
		c.setState(Disconnected)
		return nil, &TransportError{Op: "authorize", Err: err}
	}

	res, err := conn.Authenticate(ctx, token.AccessToken)
	if err != nil {
		if rpc.IsCode(err, rpc.CodeInvalidToken) {
			log.Warn().Str("module", "session").Msg("stored token rejected, clearing it")
			if cerr := c.tokens.Clear(); cerr != nil {
				log.Error().Str("module", "session").Err(cerr).Msg("failed to clear token")
			}
		}
		conn.Close()
		c.setState(Disconnected)
		return nil, &TransportError{Op: "login", Err: err}
	}

	c.ready(ctx, conn, res.User)
	return conn, nil
}

// token returns a usable access token, refreshing or authorizing as needed.
func (c *Connector) token(ctx context.Context, conn Conn) (*rpc.Token, error) {
	stored, ok, err := c.tokens.Load()
	if err != nil {
		log.Warn().Str("module", "session").Err(err).Msg("failed to load stored token")
		ok = false
	}

	if ok && stored.AccessToken != "" {
		if !stored.Expired(time.Now()) {
			return &stored, nil
		}
		if stored.RefreshToken != "" {
			refreshed, err := conn.Refresh(ctx, &stored, c.cfg.ClientSecret)
			if err == nil {
				c.saveToken(refreshed)
				return refreshed, nil
			}
			log.Warn().Str("module", "session").Err(err).Msg("token refresh failed, authorizing again")
		}
	}

	log.Info().Str("module", "session").Msg("authorizing, approve the request in Discord")
	token, err := conn.Authorize(ctx, c.cfg.Scopes, c.cfg.ClientSecret, c.cfg.RedirectURI)
	if err != nil {
		return nil, err
	}
	c.saveToken(token)
	return token, nil
}

func (c *Connector) saveToken(t *rpc.Token) {
	if err := c.tokens.Save(*t); err != nil {
		log.Error().Str("module", "session").Err(err).Msg("failed to persist token")
	}
}

func (c *Connector) ready(ctx context.Context, conn Conn, user *discordgo.User) {
	c.mu.Lock()
	c.conn = conn
	c.user = user
	c.state = Connected
	c.mu.Unlock()

	name := ""
	if user != nil {
		name = user.Username
	}
	log.Info().Str("module", "session").Str("user", name).Msg("session ready")

	c.fwd.Add(1)
	go c.forward(ctx, conn)

	for _, evt := range []string{rpc.EvtVoiceChannelSelect, rpc.EvtVoiceConnectionStatus} {
		if _, err := conn.Subscribe(ctx, evt, nil); err != nil {
			log.Warn().Str("module", "session").Str("event", evt).Err(err).Msg("subscribe failed")
		}
	}

	if c.cfg.RichPresence && c.activity != nil {
		err := c.jobs.StartPeriodic(ctx, richPresenceJob, c.cfg.RichPresenceInterval, func(ctx context.Context) error {
			return c.refreshActivity(ctx, conn)
		})
		if err != nil {
			log.Warn().Str("module", "session").Err(err).Msg("rich presence not started")
		}
	}

	if c.observer != nil {
		c.observer.SessionConnected(user)
	}
}

// forward copies dispatches from one connection onto the long-lived Events channel.
func (c *Connector) forward(ctx context.Context, conn Conn) {
	defer c.fwd.Done()
	for ev := range conn.Events() {
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connector) refreshActivity(ctx context.Context, conn Conn) error {
	if err := conn.ClearActivity(ctx); err != nil {
		return err
	}
	return conn.SetActivity(ctx, c.activity())
}

func (c *Connector) disconnected(conn Conn, reason error) {
	_ = c.jobs.Stop(richPresenceJob)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.user = nil
	}
	c.state = Disconnected
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.SessionDisconnected(reason)
	}
}

// Close stops the rich presence job and closes the live connection.
func (c *Connector) Close() {
	_ = c.jobs.Stop(richPresenceJob)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.user = nil
	c.state = Disconnected
	c.mu.Unlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if c.cfg.RichPresence {
			_ = conn.ClearActivity(ctx)
		}
		cancel()
		conn.Close()
		if c.observer != nil {
			c.observer.SessionDisconnected(nil)
		}
	}
	c.fwd.Wait()
}

// Events delivers RPC dispatches from every connection in turn.
func (c *Connector) Events() <-chan rpc.Event { return c.events }

func (c *Connector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// User returns the authenticated user, or nil while disconnected.
func (c *Connector) User() *discordgo.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connector) live() (Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *Connector) GetSelectedVoiceChannel(ctx context.Context) (*rpc.Channel, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}
	return conn.GetSelectedVoiceChannel(ctx)
}

func (c *Connector) Subscribe(ctx context.Context, evt string, args any) (rpc.Subscription, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}
	return conn.Subscribe(ctx, evt, args)
}

func (c *Connector) GetVoiceSettings(ctx context.Context) (*rpc.VoiceSettings, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}
	return conn.GetVoiceSettings(ctx)
}

func (c *Connector) SetVoiceSettings(ctx context.Context, settings rpc.VoiceSettings) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	return conn.SetVoiceSettings(ctx, settings)
}

func (c *Connector) SetUserVoiceSettings(ctx context.Context, userID string, settings rpc.UserVoiceSettings) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	return conn.SetUserVoiceSettings(ctx, userID, settings)
}

func (c *Connector) SelectVoiceChannel(ctx context.Context, channelID string) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	return conn.SelectVoiceChannel(ctx, channelID)
}
