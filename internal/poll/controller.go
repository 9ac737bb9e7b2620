// Package poll adapts the polling rate of an external status source to how
// often its answers change.
package poll

import (
	"sync"
	"time"
)

const (
	BaseInterval    = 200 * time.Millisecond
	BurstInterval   = 100 * time.Millisecond
	CalmInterval    = 500 * time.Millisecond
	IdleInterval    = 2000 * time.Millisecond
	DormantInterval = 5000 * time.Millisecond

	rapidWindow    = 10 * time.Second
	burstThreshold = 3
	burstExit      = 5
	idleAfter      = 3
	dormantAfter   = 10
)

// State is a snapshot of the controller.
type State struct {
	Interval          time.Duration
	UnchangedStreak   int
	RapidChangeStreak int
	LastChangeAt      time.Time
	BurstMode         bool
}

type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller tracks change streaks and yields the next poll interval.
type Controller struct {
	mu  sync.Mutex
	st  State
	now func() time.Time
}

func NewController(opts ...Option) *Controller {
	c := &Controller{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.st = State{Interval: BaseInterval}
	return c
}

// Observe records one poll result and returns the interval until the next poll.
func (c *Controller) Observe(changed bool) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := &c.st
	if changed {
		now := c.now()
		st.UnchangedStreak = 0
		if !st.LastChangeAt.IsZero() && now.Sub(st.LastChangeAt) < rapidWindow {
			st.RapidChangeStreak++
		} else {
			st.RapidChangeStreak = 1
		}
		st.LastChangeAt = now
		st.BurstMode = st.RapidChangeStreak >= burstThreshold
		if st.BurstMode {
			st.Interval = BurstInterval
		} else {
			st.Interval = BaseInterval
		}
		return st.Interval
	}

	st.UnchangedStreak++
	if st.BurstMode {
		if st.UnchangedStreak >= burstExit {
			st.Interval = max(st.Interval, CalmInterval)
			st.BurstMode = false
			st.RapidChangeStreak = 0
		}
		return st.Interval
	}

	switch {
	case st.UnchangedStreak >= dormantAfter:
		st.Interval = max(st.Interval, DormantInterval)
	case st.UnchangedStreak >= idleAfter:
		st.Interval = max(st.Interval, IdleInterval)
	}
	return st.Interval
}

// Reset returns to the initial state.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.st = State{Interval: BaseInterval}
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}
