package musicstatus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/time/rate"

	"github.com/keshon/voicemirror/pkg/retrylimit"
)

func serve(t *testing.T, status int, body string) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return NewClient(server.URL)
}

func TestFetchPlaying(t *testing.T) {
	c := serve(t, http.StatusOK, `{"isPlaying":true,"track":{"name":"Song","artist":"Band","album":"LP","albumCover":"http://img","duration":180000,"progress":1000}}`)

	st, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !st.IsPlaying || st.Track == nil || st.Track.Name != "Song" || st.Track.Duration != 180000 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestFetchNoConnection(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusUnauthorized} {
		c := serve(t, status, `{"error":"No Spotify connection"}`)
		if _, err := c.Fetch(context.Background()); !errors.Is(err, ErrNoConnection) {
			t.Errorf("status %d: expected ErrNoConnection, got %v", status, err)
		}
	}
}

func TestFetchServerError(t *testing.T) {
	c := serve(t, http.StatusBadGateway, `upstream down`)
	_, err := c.Fetch(context.Background())

	var httpErr retrylimit.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode() != http.StatusBadGateway {
		t.Fatalf("expected http error, got %v", err)
	}
	if errors.Is(err, ErrNoConnection) {
		t.Errorf("generic errors must not look like ErrNoConnection")
	}
	if got := c.lim.Limit(); got != limiterConfig.Initial*rate.Limit(limiterConfig.Factor) {
		t.Errorf("overload must slow the limiter, got %v", got)
	}
}

func TestFetchOtherError(t *testing.T) {
	c := serve(t, http.StatusOK, `{"error":"something else"}`)
	_, err := c.Fetch(context.Background())
	if err == nil || errors.Is(err, ErrNoConnection) {
		t.Errorf("expected a generic error, got %v", err)
	}
}

func TestEqualIgnoresProgress(t *testing.T) {
	a := Status{IsPlaying: true, Track: &Track{Name: "x", Artist: "y", Progress: 1}}
	b := Status{IsPlaying: true, Track: &Track{Name: "x", Artist: "y", Progress: 9000}}
	if !Equal(a, b) {
		t.Error("progress must not count as a change")
	}

	b.IsPlaying = false
	if Equal(a, b) {
		t.Error("pausing is a change")
	}
	if Equal(a, Status{IsPlaying: true}) {
		t.Error("losing the track is a change")
	}
	if !Equal(Status{}, Status{}) {
		t.Error("two empty statuses are equal")
	}
}
