package retrylimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// HTTPError is an error that carries an HTTP status code.
type HTTPError interface {
	error
	StatusCode() int
}

// FatalError stops Retry at once.
type FatalError struct {
	Err error
}

func (f *FatalError) Error() string { return f.Err.Error() }
func (f *FatalError) Unwrap() error { return f.Err }

// Overloaded reports whether err is a 429 or 5xx reply.
func Overloaded(err error) bool {
	var httpErr HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	code := httpErr.StatusCode()
	return code == http.StatusTooManyRequests || (code >= 500 && code < 600)
}

// Retry calls fn up to attempts times, waiting on b between failures.
// A FatalError is returned as is without further attempts.
func Retry(ctx context.Context, attempts int, b *Backoff, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			b.Reset()
			return nil
		}

		var fatal *FatalError
		if errors.As(err, &fatal) {
			return err
		}
		if attempt == attempts {
			break
		}

		d := b.Next()
		log.Warn().Str("module", "retrylimit").Err(err).Int("attempt", attempt).
			Bool("overloaded", Overloaded(err)).Dur("sleep", d).Msg("attempt failed")
		if werr := sleep(ctx, d); werr != nil {
			return werr
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}
