package session

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNotConnected = errors.New("rpc session not connected")

// ConfigurationError reports missing credentials. It is fatal: retrying
// without new configuration cannot succeed.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing configuration: %s", strings.Join(e.Missing, ", "))
}

// TransportError wraps a failed connect, authorize or login step. The run
// loop recovers from it by reconnecting.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
