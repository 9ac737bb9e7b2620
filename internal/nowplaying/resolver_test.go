package nowplaying

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/voicemirror/internal/musicstatus"
	"github.com/keshon/voicemirror/internal/storage"
)

type memStore struct {
	song  Song
	ok    bool
	saves int
}

func (m *memStore) Load() (Song, bool, error) { return m.song, m.ok, nil }

func (m *memStore) Save(s Song) error {
	m.song, m.ok = s, true
	m.saves++
	return nil
}

func listeningActivity(details, state string) []*discordgo.Activity {
	return []*discordgo.Activity{
		{Name: "Custom Status", Type: discordgo.ActivityTypeCustom},
		{Name: "Spotify", Type: discordgo.ActivityTypeListening, Details: details, State: state,
			Assets: discordgo.Assets{LargeImageID: "spotify:cover"}},
	}
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestListeningActivityIsPlaying(t *testing.T) {
	r := NewResolver(WithFreezeGate())

	d, changed := r.Resolve(Input{Activities: listeningActivity("A", "B"), Now: t0})
	if !changed {
		t.Error("first song must be a change")
	}
	if d.Song == nil || d.Song.Details != "A" || d.Song.State != "B" || !d.Song.Playing {
		t.Fatalf("unexpected display %+v", d.Song)
	}
	if d.Song.LargeImage != "spotify:cover" {
		t.Errorf("large image not carried: %q", d.Song.LargeImage)
	}
}

func TestFreezeWhilePaused(t *testing.T) {
	r := NewResolver(WithFreezeGate())
	r.Resolve(Input{Activities: listeningActivity("A", "B"), Now: t0})

	d, changed := r.Resolve(Input{
		External: &External{Connected: true, IsPlaying: false},
		Now:      t0.Add(time.Second),
	})
	if d.Song == nil || d.Song.Details != "A" || d.Song.State != "B" {
		t.Fatalf("expected frozen A/B, got %+v", d.Song)
	}
	if !d.Song.Playing {
		t.Errorf("frozen song must be held unchanged")
	}
	if d.ActuallyPlaying {
		t.Errorf("not actually playing")
	}
	if changed {
		t.Errorf("frozen display must not report a change")
	}

	d, _ = r.Resolve(Input{
		Activities: listeningActivity("C", "D"),
		External:   &External{Connected: true, IsPlaying: false},
		Now:        t0.Add(2 * time.Second),
	})
	if d.Song.Details != "A" {
		t.Errorf("candidate changes must not leak through while paused, got %+v", d.Song)
	}

	d, changed = r.Resolve(Input{
		Activities: listeningActivity("C", "D"),
		External:   &External{Connected: true, IsPlaying: true},
		Now:        t0.Add(3 * time.Second),
	})
	if d.Song.Details != "C" || !changed || !d.ActuallyPlaying {
		t.Errorf("playing again must unfreeze, got %+v changed=%v", d, changed)
	}
}

func TestWithoutFreezeGateFollowsCandidate(t *testing.T) {
	r := NewResolver()
	r.Resolve(Input{Activities: listeningActivity("A", "B"), Now: t0})

	d, changed := r.Resolve(Input{Activities: listeningActivity("C", "D"), Now: t0.Add(time.Second)})
	if d.Song.Details != "C" || !changed {
		t.Errorf("expected C, got %+v", d.Song)
	}

	d, changed = r.Resolve(Input{Now: t0.Add(2 * time.Second)})
	if d.Song == nil || d.Song.Details != "C" || d.Song.Playing {
		t.Errorf("expected last known C not playing, got %+v", d.Song)
	}
	if !changed {
		t.Errorf("losing the playing flag is a change")
	}
}

func TestSameSongIsNotAChange(t *testing.T) {
	r := NewResolver()
	r.Resolve(Input{Activities: listeningActivity("A", "B"), Now: t0})
	if _, changed := r.Resolve(Input{Activities: listeningActivity("A", "B"), Now: t0.Add(time.Second)}); changed {
		t.Error("identical text must not be a change")
	}
}

func TestStaleActivitiesIgnored(t *testing.T) {
	r := NewResolver()
	d, _ := r.Resolve(Input{
		Activities:   listeningActivity("A", "B"),
		ActivitiesAt: t0,
		Now:          t0.Add(6 * time.Minute),
	})
	if d.Song != nil {
		t.Errorf("stale activity must not be shown, got %+v", d.Song)
	}
}

func TestPersistThrottled(t *testing.T) {
	store := &memStore{}
	r := NewResolver(WithStore(store))

	r.Resolve(Input{Activities: listeningActivity("A", "B"), Now: t0})
	r.Resolve(Input{Activities: listeningActivity("C", "D"), Now: t0.Add(10 * time.Second)})
	if store.saves != 1 || store.song.Details != "A" {
		t.Fatalf("expected one save of A, got %d saves of %q", store.saves, store.song.Details)
	}

	r.Resolve(Input{Activities: listeningActivity("C", "D"), Now: t0.Add(31 * time.Second)})
	if store.saves != 2 || store.song.Details != "C" {
		t.Errorf("expected second save of C, got %d saves of %q", store.saves, store.song.Details)
	}
}

func TestLastKnownSongAcrossRestart(t *testing.T) {
	cases := []struct {
		name  string
		age   time.Duration
		shown bool
	}{
		{"four minutes", 4 * time.Minute, true},
		{"six minutes", 6 * time.Minute, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "store.json")

			st, err := storage.New(path)
			if err != nil {
				t.Fatalf("open storage: %v", err)
			}
			first := NewResolver(WithStore(storage.NewSlot[Song](st, storage.LastKnownSongKey)))
			first.Resolve(Input{Activities: listeningActivity("A", "B"), Now: t0})
			if err := st.Close(); err != nil {
				t.Fatalf("close storage: %v", err)
			}

			st, err = storage.New(path)
			if err != nil {
				t.Fatalf("reopen storage: %v", err)
			}
			defer st.Close()

			second := NewResolver(WithStore(storage.NewSlot[Song](st, storage.LastKnownSongKey)))
			d, _ := second.Resolve(Input{Now: t0.Add(tc.age)})

			if !tc.shown {
				if d.Song != nil {
					t.Errorf("expected nothing shown, got %+v", d.Song)
				}
				return
			}
			if d.Song == nil || d.Song.Details != "A" || d.Song.State != "B" || d.Song.Playing {
				t.Errorf("expected A/B not playing, got %+v", d.Song)
			}
		})
	}
}

func TestNoConnectionSurfaced(t *testing.T) {
	r := NewResolver(WithFreezeGate())
	d, _ := r.Resolve(Input{External: &External{Connected: false}, Now: t0})
	if !d.NoConnection {
		t.Error("expected no connection flag")
	}

	track := &musicstatus.Track{Name: "x"}
	d, changed := r.Resolve(Input{External: &External{Connected: true, IsPlaying: true, Track: track}, Now: t0})
	if d.NoConnection || !d.ActuallyPlaying || d.Track != track || !changed {
		t.Errorf("unexpected display %+v changed=%v", d, changed)
	}
}
