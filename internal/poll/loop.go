package poll

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Loop polls Fetch at the pace chosen by a Controller.
type Loop[T any] struct {
	Name     string
	Fetch    func(ctx context.Context) (T, error)
	Equal    func(a, b T) bool
	OnResult func(v T, changed bool, err error)

	Controller *Controller

	prev    T
	hasPrev bool
}

// Step performs one fetch and returns the interval before the next one.
// A failed fetch counts as unchanged.
func (l *Loop[T]) Step(ctx context.Context) time.Duration {
	v, err := l.Fetch(ctx)
	if err != nil {
		log.Debug().Str("module", "poll").Str("poller", l.Name).Err(err).Msg("fetch failed")
		if l.OnResult != nil {
			l.OnResult(v, false, err)
		}
		return l.Controller.Observe(false)
	}

	changed := !l.hasPrev || !l.Equal(l.prev, v)
	l.prev, l.hasPrev = v, true
	if l.OnResult != nil {
		l.OnResult(v, changed, nil)
	}
	return l.Controller.Observe(changed)
}

// Run steps until ctx is cancelled.
func (l *Loop[T]) Run(ctx context.Context) error {
	if l.Controller == nil {
		l.Controller = NewController()
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		timer.Reset(l.Step(ctx))
	}
}
