package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/voicemirror/internal/discord/rpc"
	"github.com/keshon/voicemirror/pkg/retrylimit"
)

type memTokens struct {
	mu      sync.Mutex
	token   rpc.Token
	ok      bool
	cleared int
}

func (m *memTokens) Load() (rpc.Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.ok, nil
}

func (m *memTokens) Save(t rpc.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.ok = t, true
	return nil
}

func (m *memTokens) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.ok = rpc.Token{}, false
	m.cleared++
	return nil
}

type fakeSub struct{ evt string }

func (s fakeSub) Event() string                     { return s.evt }
func (s fakeSub) Unsubscribe(context.Context) error { return nil }

type fakeConn struct {
	mu         sync.Mutex
	authorized int
	refreshed  int
	authToken  string
	authErr    error
	subscribed []string
	activities int
	closed     bool

	events chan rpc.Event
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan rpc.Event, 4), done: make(chan struct{})}
}

func (f *fakeConn) Authorize(ctx context.Context, scopes []string, secret, redirectURI string) (*rpc.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorized++
	return &rpc.Token{AccessToken: "fresh", RefreshToken: "r"}, nil
}

func (f *fakeConn) Refresh(ctx context.Context, token *rpc.Token, secret string) (*rpc.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
	return &rpc.Token{AccessToken: "refreshed", RefreshToken: token.RefreshToken}, nil
}

func (f *fakeConn) Authenticate(ctx context.Context, accessToken string) (*rpc.AuthenticateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authToken = accessToken
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &rpc.AuthenticateResult{User: &discordgo.User{ID: "42", Username: "me"}}, nil
}

func (f *fakeConn) Subscribe(ctx context.Context, evt string, args any) (rpc.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, evt)
	return fakeSub{evt: evt}, nil
}

func (f *fakeConn) GetSelectedVoiceChannel(context.Context) (*rpc.Channel, error) {
	return &rpc.Channel{ID: "c1"}, nil
}

func (f *fakeConn) GetVoiceSettings(context.Context) (*rpc.VoiceSettings, error) {
	return &rpc.VoiceSettings{}, nil
}

func (f *fakeConn) SetVoiceSettings(context.Context, rpc.VoiceSettings) error { return nil }

func (f *fakeConn) SetUserVoiceSettings(context.Context, string, rpc.UserVoiceSettings) error {
	return nil
}

func (f *fakeConn) SelectVoiceChannel(context.Context, string) error { return nil }

func (f *fakeConn) SetActivity(context.Context, rpc.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities++
	return nil
}

func (f *fakeConn) ClearActivity(context.Context) error { return nil }

func (f *fakeConn) Events() <-chan rpc.Event { return f.events }
func (f *fakeConn) Done() <-chan struct{}    { return f.done }
func (f *fakeConn) Err() error               { return errors.New("closed by peer") }

func (f *fakeConn) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
		close(f.done)
	})
	return nil
}

func (f *fakeConn) snapshot() (authorized, refreshed int, authToken string, subs []string, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorized, f.refreshed, f.authToken, append([]string(nil), f.subscribed...), f.closed
}

type recordingObserver struct {
	connected    atomic.Int32
	disconnected atomic.Int32
}

func (o *recordingObserver) SessionConnected(*discordgo.User) { o.connected.Add(1) }
func (o *recordingObserver) SessionDisconnected(error)        { o.disconnected.Add(1) }

func testConfig() Config {
	return Config{
		RPC:          rpc.Config{ClientID: "id"},
		ClientSecret: "secret",
		Backoff:      retrylimit.BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	}
}

func dialerFor(conns ...*fakeConn) (Dialer, *atomic.Int32) {
	var n atomic.Int32
	return func(ctx context.Context, cfg rpc.Config) (Conn, error) {
		i := int(n.Add(1)) - 1
		if i >= len(conns) {
			return nil, errors.New("no more connections")
		}
		return conns[i], nil
	}, &n
}

func TestRegisterRequiresCredentials(t *testing.T) {
	c := NewConnector(Config{}, &memTokens{})
	err := c.Register()

	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(cfgErr.Missing) != 2 {
		t.Errorf("expected both credentials reported, got %v", cfgErr.Missing)
	}

	if err := c.Run(context.Background()); !errors.As(err, &cfgErr) {
		t.Errorf("run must stop on configuration error, got %v", err)
	}
}

func TestConnectAuthorizesWithoutStoredToken(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialerFor(conn)
	tokens := &memTokens{}
	obs := &recordingObserver{}

	c := NewConnector(testConfig(), tokens, WithDialer(dial), WithObserver(obs))
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	authorized, _, authToken, subs, _ := conn.snapshot()
	if authorized != 1 {
		t.Errorf("expected one authorize, got %d", authorized)
	}
	if authToken != "fresh" {
		t.Errorf("expected login with fresh token, got %q", authToken)
	}
	if stored, ok, _ := tokens.Load(); !ok || stored.AccessToken != "fresh" {
		t.Errorf("token not persisted: %+v", stored)
	}
	if len(subs) != 2 || subs[0] != rpc.EvtVoiceChannelSelect || subs[1] != rpc.EvtVoiceConnectionStatus {
		t.Errorf("unexpected global subscriptions %v", subs)
	}
	if c.State() != Connected {
		t.Errorf("expected connected, got %s", c.State())
	}
	if u := c.User(); u == nil || u.ID != "42" {
		t.Errorf("unexpected user %+v", u)
	}
	if obs.connected.Load() != 1 {
		t.Errorf("observer not notified")
	}
}

func TestConnectReusesStoredToken(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialerFor(conn)
	tokens := &memTokens{token: rpc.Token{AccessToken: "kept"}, ok: true}

	c := NewConnector(testConfig(), tokens, WithDialer(dial))
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	authorized, _, authToken, _, _ := conn.snapshot()
	if authorized != 0 || authToken != "kept" {
		t.Errorf("expected stored token reuse, authorized=%d token=%q", authorized, authToken)
	}
}

func TestConnectRefreshesExpiredToken(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialerFor(conn)
	tokens := &memTokens{
		token: rpc.Token{AccessToken: "old", RefreshToken: "r", ExpiresAt: time.Now().Add(-time.Hour)},
		ok:    true,
	}

	c := NewConnector(testConfig(), tokens, WithDialer(dial))
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	_, refreshed, authToken, _, _ := conn.snapshot()
	if refreshed != 1 || authToken != "refreshed" {
		t.Errorf("expected refresh, refreshed=%d token=%q", refreshed, authToken)
	}
}

func TestInvalidTokenIsCleared(t *testing.T) {
	conn := newFakeConn()
	conn.authErr = &rpc.Error{Code: rpc.CodeInvalidToken, Message: "Invalid OAuth2 access token"}
	dial, _ := dialerFor(conn)
	tokens := &memTokens{token: rpc.Token{AccessToken: "stale"}, ok: true}

	c := NewConnector(testConfig(), tokens, WithDialer(dial))
	_, err := c.Connect(context.Background())

	var tErr *TransportError
	if !errors.As(err, &tErr) || tErr.Op != "login" {
		t.Fatalf("expected login transport error, got %v", err)
	}
	if !rpc.IsCode(err, rpc.CodeInvalidToken) {
		t.Errorf("rpc error must stay reachable through the wrapper")
	}
	if tokens.cleared != 1 {
		t.Errorf("expected token to be cleared")
	}
	if _, _, _, _, closed := conn.snapshot(); !closed {
		t.Errorf("connection must be closed after failed login")
	}
	if c.State() != Disconnected {
		t.Errorf("expected disconnected, got %s", c.State())
	}
}

func TestNotConnected(t *testing.T) {
	c := NewConnector(testConfig(), &memTokens{})
	ctx := context.Background()

	if _, err := c.GetSelectedVoiceChannel(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := c.Subscribe(ctx, rpc.EvtSpeakingStart, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := c.SelectVoiceChannel(ctx, ""); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := c.SetVoiceSettings(ctx, rpc.VoiceSettings{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestEventsForwarded(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialerFor(conn)

	c := NewConnector(testConfig(), &memTokens{}, WithDialer(dial))
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	conn.events <- rpc.Event{Name: rpc.EvtSpeakingStart}

	select {
	case ev := <-c.Events():
		if ev.Name != rpc.EvtSpeakingStart {
			t.Errorf("unexpected event %s", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("event not forwarded")
	}
}

func TestRichPresenceJob(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialerFor(conn)
	cfg := testConfig()
	cfg.RichPresence = true
	cfg.RichPresenceInterval = time.Hour

	c := NewConnector(cfg, &memTokens{}, WithDialer(dial), WithActivity(func() rpc.Activity {
		return rpc.Activity{Details: "in voice"}
	}))
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	deadline := time.Now().Add(time.Second)
	for {
		conn.mu.Lock()
		n := conn.activities
		conn.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("activity never set")
		}
		time.Sleep(time.Millisecond)
	}
	if !c.jobs.Running(richPresenceJob) {
		t.Errorf("rich presence job should be running")
	}
}

func TestRunReconnects(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dial, dials := dialerFor(first, second)
	obs := &recordingObserver{}

	c := NewConnector(testConfig(), &memTokens{}, WithDialer(dial), WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for obs.connected.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first connection never became ready")
		}
		time.Sleep(time.Millisecond)
	}
	first.Close()

	for obs.connected.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("did not reconnect")
		}
		time.Sleep(time.Millisecond)
	}
	if dials.Load() != 2 {
		t.Errorf("expected two dials, got %d", dials.Load())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
	if obs.disconnected.Load() < 1 {
		t.Errorf("expected a disconnect notification")
	}
}
