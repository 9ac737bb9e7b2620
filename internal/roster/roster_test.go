package roster

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/keshon/voicemirror/internal/voice"
)

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) RosterChanged(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) kinds() []ChangeKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ChangeKind, len(l.changes))
	for i, c := range l.changes {
		out[i] = c.Kind
	}
	return out
}

type fakeResolver struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, userID, ref string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, userID+"/"+ref)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []byte("img:" + ref), nil
}

func str(s string) *string { return &s }
func flag(b bool) *bool    { return &b }

func ids(users []ConnectedUser) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.ID
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMergeKeepsFirstMergeOrder(t *testing.T) {
	r := New()

	for _, id := range []string{"u1", "u2", "u3", "u2", "u1", "u4"} {
		r.Merge(voice.UserPatch{ID: id})
	}
	r.Remove("u3")
	r.Merge(voice.UserPatch{ID: "u5"})

	want := []string{"u1", "u2", "u4", "u5"}
	if got := ids(r.All()); !equalStrings(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if r.Len() != 4 {
		t.Errorf("expected 4 entries, got %d", r.Len())
	}
}

func TestMergeAppliesOnlyPresentFields(t *testing.T) {
	r := New()
	r.Merge(voice.UserPatch{ID: "1", Username: str("alice"), Nick: str("Al"), Mute: flag(true)})
	got := r.Merge(voice.UserPatch{ID: "1", Deaf: flag(true)})

	if got.Username != "alice" || got.Nick != "Al" || !got.Mute || !got.Deaf {
		t.Errorf("unexpected merge result %+v", got)
	}
	if got.Volume != voice.DefaultVolume {
		t.Errorf("expected default volume, got %d", got.Volume)
	}
}

func TestVoiceStateCreateScenario(t *testing.T) {
	ev, err := voice.Normalize("VOICE_STATE_CREATE",
		[]byte(`{"user":{"id":"1","username":"alice","avatar":"h"},"voice_state":{"mute":true}}`))
	if err != nil {
		t.Fatal(err)
	}

	r := New()
	r.Merge(ev.(voice.StateCreate).User)

	u, ok := r.Get("1")
	if !ok {
		t.Fatal("expected user 1")
	}
	want := ConnectedUser{ID: "1", Username: "alice", Mute: true, Deaf: false, Speaking: false, Volume: 100, AvatarRef: "h"}
	if u.ID != want.ID || u.Username != want.Username || u.Mute != want.Mute || u.Deaf != want.Deaf ||
		u.Speaking != want.Speaking || u.Volume != want.Volume || u.AvatarRef != want.AvatarRef {
		t.Errorf("expected %+v, got %+v", want, u)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	log := &changeLog{}
	r := New(WithObserver(log))
	r.Merge(voice.UserPatch{ID: "1"})

	r.Remove("1")
	r.Remove("1")

	if r.Len() != 0 {
		t.Errorf("expected empty roster, got %d", r.Len())
	}
	kinds := log.kinds()
	if len(kinds) != 2 || kinds[1] != Removed {
		t.Errorf("expected a single removal notification, got %v", kinds)
	}
}

func TestSetSpeakingOnAbsentUser(t *testing.T) {
	log := &changeLog{}
	r := New(WithObserver(log))

	r.SetSpeaking("ghost", true)

	if _, ok := r.Get("ghost"); ok {
		t.Error("SetSpeaking must not create entries")
	}
	if len(log.kinds()) != 0 {
		t.Error("expected no notification")
	}

	r.Merge(voice.UserPatch{ID: "1"})
	r.SetSpeaking("1", true)
	if u, _ := r.Get("1"); !u.Speaking {
		t.Error("expected speaking flag to be set")
	}
}

func TestObserverSeesEveryMutation(t *testing.T) {
	log := &changeLog{}
	r := New(WithObserver(log))

	r.Merge(voice.UserPatch{ID: "1"})
	r.Merge(voice.UserPatch{ID: "1", Mute: flag(true)})
	r.SetSpeaking("1", true)
	r.Merge(voice.UserPatch{ID: "2"})
	r.Remove("1")
	r.Clear()
	r.Clear()

	want := []ChangeKind{Joined, Updated, Speaking, Joined, Removed, Cleared}
	got := log.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("change %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	last := log.changes[len(log.changes)-1]
	if len(last.Users) != 0 {
		t.Errorf("expected empty snapshot after clear, got %v", ids(last.Users))
	}
}

func TestAvatarResolvedInPlace(t *testing.T) {
	res := &fakeResolver{}
	log := &changeLog{}
	r := New(WithAvatarResolver(res), WithObserver(log))

	r.Merge(voice.UserPatch{ID: "1", AvatarRef: str("h")})
	r.Wait()

	u, _ := r.Get("1")
	if string(u.ResolvedAvatar) != "img:h" {
		t.Fatalf("expected resolved avatar, got %q", u.ResolvedAvatar)
	}

	r.Merge(voice.UserPatch{ID: "1", Mute: flag(true)})
	r.Wait()

	resolved := 0
	for _, k := range log.kinds() {
		if k == AvatarResolved {
			resolved++
		}
	}
	if resolved != 1 {
		t.Errorf("expected one AvatarResolved notification for identical data, got %d", resolved)
	}
	if len(res.calls) != 2 {
		t.Errorf("expected a resolution after every merge, got %v", res.calls)
	}
}

func TestAvatarFailureLeavesAvatarUnset(t *testing.T) {
	r := New(WithAvatarResolver(&fakeResolver{err: errors.New("cdn down")}))
	r.Merge(voice.UserPatch{ID: "1", AvatarRef: str("h")})
	r.Wait()

	u, ok := r.Get("1")
	if !ok || u.ResolvedAvatar != nil {
		t.Errorf("expected user without avatar, got %+v", u)
	}
}

func TestAvatarDiscardedAfterRemoval(t *testing.T) {
	r := New()
	r.Merge(voice.UserPatch{ID: "1", AvatarRef: str("h")})
	r.Remove("1")

	r.attachAvatar("1", "h", []byte("late"))
	if r.Len() != 0 {
		t.Error("late avatar must not recreate a removed user")
	}
}

func TestAvatarIgnoredWhenRefChanged(t *testing.T) {
	r := New()
	r.Merge(voice.UserPatch{ID: "1", AvatarRef: str("new")})

	r.attachAvatar("1", "old", []byte("stale"))
	if u, _ := r.Get("1"); u.ResolvedAvatar != nil {
		t.Error("expected stale avatar to be dropped")
	}
}

func TestDisplayName(t *testing.T) {
	if (ConnectedUser{Username: "alice", Nick: "Al"}).DisplayName() != "Al" {
		t.Error("expected nick")
	}
	if (ConnectedUser{Username: "alice"}).DisplayName() != "alice" {
		t.Error("expected username fallback")
	}
}
