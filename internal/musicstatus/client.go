// Package musicstatus polls an external "what is playing" endpoint.
package musicstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/keshon/voicemirror/pkg/retrylimit"
)

// ErrNoConnection means the source has no linked music account. It is a
// condition to show to the user, not a failure.
var ErrNoConnection = errors.New("no spotify connection")

const noConnectionMessage = "No Spotify connection"

type Track struct {
	Name       string `json:"name"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	AlbumCover string `json:"albumCover"`
	Duration   int64  `json:"duration"`
	Progress   int64  `json:"progress"`
}

// Same reports whether both tracks are the same song, ignoring progress.
func (t *Track) Same(o *Track) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.Name == o.Name && t.Artist == o.Artist && t.Album == o.Album
}

type Status struct {
	IsPlaying bool   `json:"isPlaying"`
	Track     *Track `json:"track,omitempty"`
}

// Equal is the change test used by the poll loop.
func Equal(a, b Status) bool {
	return a.IsPlaying == b.IsPlaying && a.Track.Same(b.Track)
}

// StatusError is a non-2xx reply.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("music status: http %d: %s", e.Status, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Status }

// limiterConfig caps the source at 10 requests per second and halves the
// rate on 429 or 5xx replies.
var limiterConfig = retrylimit.LimiterConfig{
	Initial: 10,
	Min:     1,
	Max:     10,
	Step:    rate.Limit(1),
	Factor:  0.5,
	Calm:    10 * time.Second,
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

type Client struct {
	url  string
	http *http.Client
	lim  *retrylimit.AdaptiveLimiter
}

func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:  url,
		http: &http.Client{Timeout: 5 * time.Second},
		lim:  retrylimit.NewAdaptiveLimiter(limiterConfig),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type reply struct {
	Status
	Error string `json:"error,omitempty"`
}

// Fetch performs one status request.
func (c *Client) Fetch(ctx context.Context) (Status, error) {
	if err := c.lim.Wait(ctx); err != nil {
		return Status{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Status{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("music status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Status{}, fmt.Errorf("music status: %w", err)
	}

	var r reply
	decodeErr := json.Unmarshal(body, &r)
	if decodeErr == nil && r.Error == noConnectionMessage {
		c.lim.Observe(nil)
		return Status{}, ErrNoConnection
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		c.lim.Observe(serr)
		return Status{}, serr
	}
	if decodeErr != nil {
		return Status{}, fmt.Errorf("music status: bad reply: %w", decodeErr)
	}
	if r.Error != "" {
		return Status{}, fmt.Errorf("music status: %s", r.Error)
	}

	c.lim.Observe(nil)
	return r.Status, nil
}
