// Package retrylimit paces outbound calls and spaces out retries.
//
// Backoff drives both the reconnect loop and bounded retries (see Retry).
// AdaptiveLimiter paces a polled endpoint and slows down when it reports
// overload.
package retrylimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BackoffConfig configures a Backoff.
//
// Initial may be zero, in which case every retry is immediate and the breaker
// is the only thing slowing a failing loop down.
type BackoffConfig struct {
	Initial          time.Duration
	Max              time.Duration
	Multiplier       float64
	Jitter           bool
	BreakerThreshold int           // consecutive failures before the breaker opens (0 = never)
	BreakerCooldown  time.Duration // pause applied once the breaker opens
}

// Backoff tracks consecutive failures and yields the delay before the next
// attempt. It is safe for concurrent use.
type Backoff struct {
	mu       sync.Mutex
	cfg      BackoffConfig
	failures int
	delay    time.Duration
	opened   int
}

// NewBackoff creates a Backoff. A non-positive multiplier is treated as 2.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Max > 0 && cfg.Initial > cfg.Max {
		cfg.Initial = cfg.Max
	}
	return &Backoff{cfg: cfg, delay: cfg.Initial}
}

// Next records a failure and returns how long to wait before retrying.
// When the breaker threshold is reached the cooldown is returned instead and
// the failure count starts over.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.cfg.BreakerThreshold > 0 && b.failures >= b.cfg.BreakerThreshold {
		b.failures = 0
		b.delay = b.cfg.Initial
		b.opened++
		log.Warn().Str("module", "retrylimit").Int("trips", b.opened).
			Dur("cooldown", b.cfg.BreakerCooldown).Msg("circuit breaker open")
		return b.cfg.BreakerCooldown
	}

	d := b.delay
	next := time.Duration(float64(b.delay) * b.cfg.Multiplier)
	if b.cfg.Max > 0 && next > b.cfg.Max {
		next = b.cfg.Max
	}
	b.delay = next

	if b.cfg.Jitter {
		d = jitter(d)
	}
	return d
}

// Wait records a failure and sleeps for the resulting delay, or until ctx ends.
func (b *Backoff) Wait(ctx context.Context) error {
	return sleep(ctx, b.Next())
}

// Reset clears the failure streak after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.delay = b.cfg.Initial
}

// Failures returns the current consecutive failure count.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Trips returns how many times the breaker has opened.
func (b *Backoff) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter adds up to 25% to d.
func jitter(d time.Duration) time.Duration {
	if d/4 <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d/4)))
}
