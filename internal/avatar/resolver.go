// Package avatar downloads Discord user avatars from the CDN.
package avatar

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultSize    = 128
	maxAvatarBytes = 4 << 20
	maxCacheSize   = 256
)

// Resolver fetches avatars and keeps them in memory. Concurrent requests for
// the same image share one download.
type Resolver struct {
	baseURL string
	size    int
	client  *http.Client

	group singleflight.Group

	mu    sync.Mutex
	cache map[string][]byte
	order []string
}

type Option func(*Resolver)

// WithBaseURL points the resolver at another CDN root (tests).
func WithBaseURL(u string) Option {
	return func(r *Resolver) { r.baseURL = strings.TrimSuffix(u, "/") + "/" }
}

func WithSize(px int) Option {
	return func(r *Resolver) { r.size = px }
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		baseURL: discordgo.EndpointCDN,
		size:    defaultSize,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// URL returns the CDN address for a user's avatar. An empty ref yields the
// default avatar for the user id.
func (r *Resolver) URL(userID, ref string) string {
	if ref == "" {
		return fmt.Sprintf("%sembed/avatars/%d.png", r.baseURL, DefaultIndex(userID))
	}
	ext := "png"
	if strings.HasPrefix(ref, "a_") {
		ext = "gif"
	}
	return fmt.Sprintf("%savatars/%s/%s.%s?size=%d", r.baseURL, userID, ref, ext, r.size)
}

// DefaultIndex is the default avatar slot for users without a custom avatar.
func DefaultIndex(userID string) uint64 {
	id, err := strconv.ParseUint(userID, 10, 64)
	if err != nil {
		return 0
	}
	return (id >> 22) % 6
}

// Resolve implements roster.AvatarResolver.
func (r *Resolver) Resolve(ctx context.Context, userID, ref string) ([]byte, error) {
	url := r.URL(userID, ref)

	if data, ok := r.cached(url); ok {
		return data, nil
	}

	v, err, _ := r.group.Do(url, func() (any, error) {
		if data, ok := r.cached(url); ok {
			return data, nil
		}
		data, err := r.download(ctx, url)
		if err != nil {
			return nil, err
		}
		r.store(url, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (r *Resolver) download(ctx context.Context, url string) ([]byte, error) {
	log.Debug().Str("module", "avatar").Str("url", url).Msg("downloading avatar")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download avatar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("avatar download failed: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read avatar: %w", err)
	}
	return data, nil
}

func (r *Resolver) cached(url string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.cache[url]
	return data, ok
}

// store inserts into the cache, evicting the oldest entry when full.
func (r *Resolver) store(url string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cache[url]; ok {
		return
	}
	if len(r.order) >= maxCacheSize {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.cache, oldest)
	}
	r.cache[url] = data
	r.order = append(r.order, url)
}

// Len returns the number of cached images.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
