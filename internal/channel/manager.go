// Package channel tracks the selected voice channel and the subscriptions
// that feed its roster.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keshon/voicemirror/internal/discord/rpc"
	"github.com/keshon/voicemirror/internal/roster"
	"github.com/keshon/voicemirror/internal/voice"
)

var (
	ErrSelectInFlight = errors.New("channel select already in flight")
	ErrSuperseded     = errors.New("channel select superseded by leave")
	ErrNoChannel      = errors.New("no voice channel selected")
)

const releaseTimeout = 5 * time.Second

// ChannelEvents are the per-channel subscriptions held while Active.
var ChannelEvents = []string{
	rpc.EvtVoiceStateUpdate,
	rpc.EvtVoiceStateCreate,
	rpc.EvtVoiceStateDelete,
	rpc.EvtSpeakingStart,
	rpc.EvtSpeakingStop,
}

type State int

const (
	Idle State = iota
	Selecting
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Selecting:
		return "selecting"
	case Active:
		return "active"
	}
	return "unknown"
}

// Upstream is the part of the RPC session the manager needs.
type Upstream interface {
	GetSelectedVoiceChannel(ctx context.Context) (*rpc.Channel, error)
	Subscribe(ctx context.Context, evt string, args any) (rpc.Subscription, error)
}

// Selected is the channel the user is in.
type Selected struct {
	ID          string
	Name        string
	GuildID     string
	VoiceStates []voice.UserPatch
}

type Observer interface {
	ChannelJoined(Selected)
	ChannelLeft(Selected)
}

type Option func(*Manager)

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithHistoryLimit bounds the recently-left channel list.
func WithHistoryLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.historyLimit = n
		}
	}
}

// Manager owns the selected channel. It is safe for concurrent use: state is
// guarded by mu, and opMu serialises the parts of Select and Leave that touch
// subscriptions and the roster.
type Manager struct {
	up       Upstream
	roster   *roster.Roster
	observer Observer

	opMu sync.Mutex

	mu           sync.Mutex
	state        State
	selected     *Selected
	subs         map[string][]rpc.Subscription
	history      []Selected
	historyLimit int
	gen          uint64

	wg sync.WaitGroup
}

func NewManager(up Upstream, r *roster.Roster, opts ...Option) *Manager {
	m := &Manager{
		up:           up,
		roster:       r,
		subs:         make(map[string][]rpc.Subscription),
		historyLimit: 5,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle applies one event. Channel-level events may start a select on a
// separate goroutine; user events reach the roster only while Active.
func (m *Manager) Handle(ctx context.Context, ev voice.Event) {
	switch e := ev.(type) {
	case voice.ConnectionStatus:
		switch e.State {
		case voice.StatusConnecting:
			m.SelectAsync(ctx)
		case voice.StatusConnected:
			if m.Selected() == nil {
				m.SelectAsync(ctx)
			}
		case voice.StatusDisconnected:
			m.Leave(ctx)
		}

	case voice.ChannelSelect:
		if e.ChannelID == "" {
			m.Leave(ctx)
			return
		}
		if sel := m.Selected(); sel == nil || sel.ID != e.ChannelID {
			m.SelectAsync(ctx)
		}

	default:
		if m.State() != Active {
			log.Debug().Str("module", "channel").Str("user", voice.UserID(ev)).
				Str("state", m.State().String()).Msg("dropping user event outside active channel")
			return
		}
		m.applyUserEvent(ev)
	}
}

func (m *Manager) applyUserEvent(ev voice.Event) {
	switch e := ev.(type) {
	case voice.StateCreate:
		m.roster.Merge(e.User)
	case voice.StateUpdate:
		m.roster.Merge(e.User)
	case voice.StateDelete:
		m.roster.Remove(e.User.ID)
	case voice.SpeakingStart:
		m.roster.SetSpeaking(e.UserID, true)
	case voice.SpeakingStop:
		m.roster.SetSpeaking(e.UserID, false)
	}
}

// SelectAsync runs Select on its own goroutine.
func (m *Manager) SelectAsync(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.Select(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrSelectInFlight), errors.Is(err, ErrSuperseded):
			log.Debug().Str("module", "channel").Err(err).Msg("select skipped")
		default:
			log.Warn().Str("module", "channel").Err(err).Msg("select failed")
		}
	}()
}

// Wait blocks until selects started by SelectAsync have returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Select fetches the selected channel and makes it Active. A failed or empty
// fetch restores the previous state without touching the roster.
func (m *Manager) Select(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Selecting {
		m.mu.Unlock()
		return ErrSelectInFlight
	}
	prev := m.state
	m.state = Selecting
	gen := m.gen
	m.mu.Unlock()

	ch, fetchErr := m.up.GetSelectedVoiceChannel(ctx)

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return ErrSuperseded
	}
	if fetchErr != nil || ch == nil {
		m.state = prev
		m.mu.Unlock()
		if fetchErr != nil {
			return fmt.Errorf("fetch selected channel: %w", fetchErr)
		}
		log.Info().Str("module", "channel").Msg("no voice channel selected")
		return ErrNoChannel
	}

	sel := toSelected(ch)

	if m.selected != nil && m.selected.ID == sel.ID {
		m.selected = &sel
		m.state = Active
		m.mu.Unlock()

		m.refresh(sel)
		log.Debug().Str("module", "channel").Str("channel", sel.ID).Msg("refreshed active channel")
		return nil
	}

	left := m.selected
	stale := m.takeSubs()
	m.selected = &sel
	m.mu.Unlock()

	m.release(stale)
	if left != nil {
		m.remember(*left)
		m.notifyLeft(*left)
	}

	m.roster.Clear()
	m.hydrate(sel)
	subs := m.acquire(ctx, sel.ID)

	m.mu.Lock()
	if m.gen != gen {
		m.selected = nil
		m.state = Idle
		m.mu.Unlock()

		m.release(subs)
		m.roster.Clear()
		return ErrSuperseded
	}
	m.subs[sel.ID] = subs
	m.state = Active
	m.mu.Unlock()

	log.Info().Str("module", "channel").Str("channel", sel.ID).Str("name", sel.Name).
		Int("users", m.roster.Len()).Int("subscriptions", len(subs)).Msg("joined voice channel")
	m.notifyJoined(sel)
	return nil
}

// Leave releases every subscription, clears the roster and returns to Idle.
// It also wins over a select that is still in flight.
func (m *Manager) Leave(ctx context.Context) {
	m.mu.Lock()
	m.gen++
	m.mu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	sel := m.selected
	subs := m.takeSubs()
	m.selected = nil
	m.state = Idle
	m.mu.Unlock()

	if sel == nil && len(subs) == 0 {
		return
	}

	m.release(subs)
	m.roster.Clear()
	if sel != nil {
		m.remember(*sel)
		log.Info().Str("module", "channel").Str("channel", sel.ID).Msg("left voice channel")
		m.notifyLeft(*sel)
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Selected returns a copy of the selected channel, or nil.
func (m *Manager) Selected() *Selected {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == nil {
		return nil
	}
	sel := *m.selected
	return &sel
}

// History returns recently left channels, most recent first.
func (m *Manager) History() []Selected {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Selected, len(m.history))
	for i := range m.history {
		out[i] = m.history[len(m.history)-1-i]
	}
	return out
}

func (m *Manager) SubscriptionCount(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channelID])
}

func toSelected(ch *rpc.Channel) Selected {
	sel := Selected{ID: ch.ID, Name: ch.Name, GuildID: ch.GuildID}
	for _, vs := range ch.VoiceStates {
		if p, ok := voice.FromVoiceState(vs); ok {
			sel.VoiceStates = append(sel.VoiceStates, p)
		}
	}
	return sel
}

func (m *Manager) hydrate(sel Selected) {
	for _, p := range sel.VoiceStates {
		m.roster.Merge(p)
	}
}

// refresh merges a fresh snapshot of the active channel and drops users that
// are no longer in it.
func (m *Manager) refresh(sel Selected) {
	present := make(map[string]struct{}, len(sel.VoiceStates))
	for _, p := range sel.VoiceStates {
		present[p.ID] = struct{}{}
	}
	for _, u := range m.roster.All() {
		if _, ok := present[u.ID]; !ok {
			m.roster.Remove(u.ID)
		}
	}
	m.hydrate(sel)
}

// acquire subscribes to every channel event independently.
func (m *Manager) acquire(ctx context.Context, channelID string) []rpc.Subscription {
	args := rpc.ChannelArgs{ChannelID: channelID}
	subs := make([]rpc.Subscription, 0, len(ChannelEvents))
	for _, evt := range ChannelEvents {
		sub, err := m.up.Subscribe(ctx, evt, args)
		if err != nil {
			log.Warn().Str("module", "channel").Str("channel", channelID).Str("event", evt).Err(err).Msg("subscribe failed")
			continue
		}
		subs = append(subs, sub)
	}
	return subs
}

// takeSubs empties the subscription set. Must be called with mu held.
func (m *Manager) takeSubs() []rpc.Subscription {
	var all []rpc.Subscription
	for id, subs := range m.subs {
		all = append(all, subs...)
		delete(m.subs, id)
	}
	return all
}

// release unsubscribes each handle with its own deadline, independent of the
// caller's context.
func (m *Manager) release(subs []rpc.Subscription) {
	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		if err := sub.Unsubscribe(ctx); err != nil {
			log.Debug().Str("module", "channel").Str("event", sub.Event()).Err(err).Msg("unsubscribe failed")
		}
		cancel()
	}
}

func (m *Manager) remember(sel Selected) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sel.VoiceStates = nil
	m.history = append(m.history, sel)
	if len(m.history) > m.historyLimit {
		m.history = m.history[len(m.history)-m.historyLimit:]
	}
}

func (m *Manager) notifyJoined(sel Selected) {
	if m.observer != nil {
		m.observer.ChannelJoined(sel)
	}
}

func (m *Manager) notifyLeft(sel Selected) {
	if m.observer != nil {
		m.observer.ChannelLeft(sel)
	}
}
