// Package roster keeps the ordered set of users connected to the selected
// voice channel.
package roster

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keshon/voicemirror/internal/voice"
)

const avatarTimeout = 15 * time.Second

// ConnectedUser is one roster entry.
type ConnectedUser struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Nick           string `json:"nick,omitempty"`
	Speaking       bool   `json:"speaking"`
	Volume         int    `json:"volume"`
	Mute           bool   `json:"mute"`
	Deaf           bool   `json:"deaf"`
	AvatarRef      string `json:"avatar,omitempty"`
	ResolvedAvatar []byte `json:"avatar_data,omitempty"`
}

// DisplayName prefers the nickname.
func (u ConnectedUser) DisplayName() string {
	if u.Nick != "" {
		return u.Nick
	}
	return u.Username
}

type ChangeKind int

const (
	Joined ChangeKind = iota
	Updated
	Removed
	Speaking
	AvatarResolved
	Cleared
)

func (k ChangeKind) String() string {
	switch k {
	case Joined:
		return "joined"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case Speaking:
		return "speaking"
	case AvatarResolved:
		return "avatar_resolved"
	case Cleared:
		return "cleared"
	}
	return "unknown"
}

// Change describes one mutation. User is the affected entry (the removed
// entry for Removed, zero for Cleared) and Users the roster afterwards.
type Change struct {
	Kind  ChangeKind
	User  ConnectedUser
	Users []ConnectedUser
}

type Observer interface {
	RosterChanged(Change)
}

type ObserverFunc func(Change)

func (f ObserverFunc) RosterChanged(c Change) { f(c) }

// AvatarResolver fetches the image for an avatar reference. ref may be empty
// for users without a custom avatar.
type AvatarResolver interface {
	Resolve(ctx context.Context, userID, ref string) ([]byte, error)
}

type Option func(*Roster)

func WithObserver(o Observer) Option {
	return func(r *Roster) { r.observer = o }
}

func WithAvatarResolver(ar AvatarResolver) Option {
	return func(r *Roster) { r.resolver = ar }
}

// Roster is safe for concurrent use. Observer callbacks are delivered one at
// a time in mutation order and may read the roster.
type Roster struct {
	mu    sync.RWMutex
	order []string
	users map[string]*ConnectedUser

	notifyMu sync.Mutex
	observer Observer
	resolver AvatarResolver

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts ...Option) *Roster {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Roster{
		users:  make(map[string]*ConnectedUser),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Merge applies p. Unknown ids are appended; known ids keep their position
// and only the fields present in p change.
func (r *Roster) Merge(p voice.UserPatch) ConnectedUser {
	r.notifyMu.Lock()

	r.mu.Lock()
	kind := Updated
	u, ok := r.users[p.ID]
	if !ok {
		kind = Joined
		u = &ConnectedUser{ID: p.ID, Volume: voice.DefaultVolume}
		r.users[p.ID] = u
		r.order = append(r.order, p.ID)
	}
	apply(u, p)
	merged := *u
	change := Change{Kind: kind, User: merged, Users: r.snapshot()}
	r.mu.Unlock()

	r.notify(change)
	r.notifyMu.Unlock()

	if kind == Joined {
		log.Debug().Str("module", "roster").Str("user", merged.ID).Str("name", merged.DisplayName()).Msg("user joined")
	}
	r.resolveAvatar(merged.ID, merged.AvatarRef)
	return merged
}

func apply(u *ConnectedUser, p voice.UserPatch) {
	if p.Username != nil {
		u.Username = *p.Username
	}
	if p.Nick != nil {
		u.Nick = *p.Nick
	}
	if p.AvatarRef != nil {
		if *p.AvatarRef != u.AvatarRef {
			u.ResolvedAvatar = nil
		}
		u.AvatarRef = *p.AvatarRef
	}
	if p.Speaking != nil {
		u.Speaking = *p.Speaking
	}
	if p.Mute != nil {
		u.Mute = *p.Mute
	}
	if p.Deaf != nil {
		u.Deaf = *p.Deaf
	}
	if p.Volume != nil {
		u.Volume = *p.Volume
	}
}

// Remove drops id. Removing an absent id does nothing.
func (r *Roster) Remove(id string) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	u, ok := r.users[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.users, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	change := Change{Kind: Removed, User: *u, Users: r.snapshot()}
	r.mu.Unlock()

	r.notify(change)
}

// SetSpeaking updates the speaking flag. Absent ids are ignored because
// speaking events may arrive after the user left.
func (r *Roster) SetSpeaking(id string, speaking bool) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	u, ok := r.users[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	u.Speaking = speaking
	change := Change{Kind: Speaking, User: *u, Users: r.snapshot()}
	r.mu.Unlock()

	r.notify(change)
}

// Clear empties the roster.
func (r *Roster) Clear() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if len(r.order) == 0 {
		r.mu.Unlock()
		return
	}
	r.users = make(map[string]*ConnectedUser)
	r.order = nil
	r.mu.Unlock()

	r.notify(Change{Kind: Cleared, Users: []ConnectedUser{}})
}

// All returns the entries in insertion order.
func (r *Roster) All() []ConnectedUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot()
}

func (r *Roster) Get(id string) (ConnectedUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return ConnectedUser{}, false
	}
	return *u, true
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Wait blocks until in-flight avatar resolutions finish.
func (r *Roster) Wait() {
	r.wg.Wait()
}

// Close cancels in-flight avatar resolutions and waits for them.
func (r *Roster) Close() {
	r.cancel()
	r.wg.Wait()
}

// snapshot must be called with mu held.
func (r *Roster) snapshot() []ConnectedUser {
	out := make([]ConnectedUser, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.users[id])
	}
	return out
}

func (r *Roster) notify(c Change) {
	if r.observer != nil {
		r.observer.RosterChanged(c)
	}
}

func (r *Roster) resolveAvatar(id, ref string) {
	if r.resolver == nil || r.ctx.Err() != nil {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(r.ctx, avatarTimeout)
		defer cancel()

		data, err := r.resolver.Resolve(ctx, id, ref)
		if err != nil {
			log.Warn().Str("module", "roster").Str("user", id).Err(err).Msg("avatar resolution failed")
			return
		}
		r.attachAvatar(id, ref, data)
	}()
}

func (r *Roster) attachAvatar(id, ref string, data []byte) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	u, ok := r.users[id]
	if !ok || u.AvatarRef != ref || bytes.Equal(u.ResolvedAvatar, data) {
		r.mu.Unlock()
		return
	}
	u.ResolvedAvatar = data
	change := Change{Kind: AvatarResolved, User: *u, Users: r.snapshot()}
	r.mu.Unlock()

	r.notify(change)
}
