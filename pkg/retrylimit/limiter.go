package retrylimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterConfig configures an AdaptiveLimiter. Rates are requests per second.
type LimiterConfig struct {
	Initial rate.Limit
	Min     rate.Limit
	Max     rate.Limit
	Step    rate.Limit // added after a success once Calm has passed
	Factor  float64    // applied on overload, e.g. 0.5 halves the rate
	Calm    time.Duration
}

// AdaptiveLimiter paces calls to one endpoint. Overload replies cut the rate
// and successes win it back after a calm period.
type AdaptiveLimiter struct {
	mu        sync.Mutex
	cfg       LimiterConfig
	limiter   *rate.Limiter
	throttled time.Time
	now       func() time.Time
}

func NewAdaptiveLimiter(cfg LimiterConfig) *AdaptiveLimiter {
	if cfg.Min < 1 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Initial < cfg.Min {
		cfg.Initial = cfg.Min
	}
	if cfg.Factor <= 0 || cfg.Factor >= 1 {
		cfg.Factor = 0.5
	}
	return &AdaptiveLimiter{
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.Initial, burst(cfg.Initial)),
		now:     time.Now,
	}
}

// Wait blocks until the next call may go out or ctx ends.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// Observe adjusts the rate from the outcome of one call. Errors that are not
// overload replies leave it unchanged.
func (a *AdaptiveLimiter) Observe(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.limiter.Limit()
	switch {
	case err == nil:
		if a.now().Sub(a.throttled) > a.cfg.Calm {
			a.set(cur + a.cfg.Step)
		}
	case Overloaded(err):
		a.throttled = a.now()
		a.set(rate.Limit(float64(cur) * a.cfg.Factor))
	}
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	return a.limiter.Limit()
}

func (a *AdaptiveLimiter) set(l rate.Limit) {
	if l > a.cfg.Max {
		l = a.cfg.Max
	}
	if l < a.cfg.Min {
		l = a.cfg.Min
	}
	if l != a.limiter.Limit() {
		a.limiter.SetLimit(l)
		a.limiter.SetBurst(burst(l))
	}
}

func burst(l rate.Limit) int {
	if l < 1 {
		return 1
	}
	return int(l)
}
