package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/keshon/voicemirror/internal/session"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"clean", nil, 0},
		{"missing credentials", &session.ConfigurationError{Missing: []string{"DISCORD_CLIENT_ID"}}, 1},
		{"wrapped configuration error", fmt.Errorf("run: %w", &session.ConfigurationError{Missing: []string{"DISCORD_CLIENT_SECRET"}}), 1},
		{"other failure", errors.New("boom"), 1},
	}
	for _, c := range cases {
		if got := exitCode(c.err); got != c.want {
			t.Errorf("%s: expected %d, got %d", c.name, c.want, got)
		}
	}
}
