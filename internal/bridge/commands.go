package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

var ErrUnknownCommand = errors.New("unknown command")

// Command actions.
const (
	CommandMute        = "mute"
	CommandDeafen      = "deafen"
	CommandLeave       = "leave"
	CommandUserVolume  = "user_volume"
	CommandRefreshCall = "refresh_call"
)

type Command struct {
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
	Volume *int   `json:"volume,omitempty"`
}

// Controls is what the display client may ask for.
type Controls interface {
	ToggleMute(ctx context.Context) error
	ToggleDeafen(ctx context.Context) error
	LeaveChannel(ctx context.Context) error
	SetUserVolume(ctx context.Context, userID string, volume int) error
	RefreshCall(ctx context.Context) error
}

// Dispatch runs one command.
func Dispatch(ctx context.Context, c Controls, cmd Command) error {
	switch cmd.Action {
	case CommandMute:
		return c.ToggleMute(ctx)
	case CommandDeafen:
		return c.ToggleDeafen(ctx)
	case CommandLeave:
		return c.LeaveChannel(ctx)
	case CommandUserVolume:
		if cmd.ID == "" {
			return fmt.Errorf("%s: missing user id", cmd.Action)
		}
		if cmd.Volume == nil {
			return fmt.Errorf("%s: missing volume", cmd.Action)
		}
		if v := *cmd.Volume; v < 0 || v > 200 {
			return fmt.Errorf("%s: volume %d out of range", cmd.Action, v)
		}
		return c.SetUserVolume(ctx, cmd.ID, *cmd.Volume)
	case CommandRefreshCall:
		return c.RefreshCall(ctx)
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Action)
}

// ReadCommands reads JSON command lines from r until EOF or ctx is done.
// Bad lines and failed commands are logged and skipped.
func ReadCommands(ctx context.Context, r io.Reader, c Controls) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var cmd Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			log.Warn().Str("module", "bridge").Err(err).Msg("bad command line")
			continue
		}
		if err := Dispatch(ctx, c, cmd); err != nil {
			log.Warn().Str("module", "bridge").Str("action", cmd.Action).Err(err).Msg("command failed")
			continue
		}
		log.Debug().Str("module", "bridge").Str("action", cmd.Action).Msg("command handled")
	}
	return sc.Err()
}
