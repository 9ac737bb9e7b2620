package voice

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent     = errors.New("unknown event")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrIgnoredEvent     = errors.New("event carries no voice state")
)

// ProtocolError is returned for dispatches that cannot become an Event.
// Callers log and drop them.
type ProtocolError struct {
	Event string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
