package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Subscription is a live event subscription.
type Subscription interface {
	Event() string
	Unsubscribe(ctx context.Context) error
}

type subscription struct {
	c    *Client
	evt  string
	args any
}

func (s *subscription) Event() string { return s.evt }

func (s *subscription) Unsubscribe(ctx context.Context) error {
	_, err := s.c.call(ctx, s.c.cfg.Timeout, CmdUnsubscribe, s.args, s.evt)
	return err
}

// ChannelArgs scopes a subscription to one voice channel.
type ChannelArgs struct {
	ChannelID string `json:"channel_id"`
}

// Authorize asks the user to approve the application and exchanges the
// returned code for an access token.
func (c *Client) Authorize(ctx context.Context, scopes []string, secret, redirectURI string) (*Token, error) {
	args := struct {
		ClientID string   `json:"client_id"`
		Scopes   []string `json:"scopes"`
	}{c.cfg.ClientID, scopes}

	data, err := c.call(ctx, c.cfg.AuthorizeTimeout, CmdAuthorize, args, "")
	if err != nil {
		return nil, fmt.Errorf("authorize: %w", err)
	}

	var reply struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &reply); err != nil || reply.Code == "" {
		return nil, fmt.Errorf("authorize: reply carried no code")
	}

	return c.exchange(ctx, tokenRequest{
		GrantType:    "authorization_code",
		Code:         reply.Code,
		RedirectURI:  redirectURI,
		ClientSecret: secret,
	})
}

// Refresh trades a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, token *Token, secret string) (*Token, error) {
	if token == nil || token.RefreshToken == "" {
		return nil, fmt.Errorf("refresh: no refresh token")
	}
	return c.exchange(ctx, tokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: token.RefreshToken,
		ClientSecret: secret,
	})
}

// Authenticate logs the connection in with an access token.
func (c *Client) Authenticate(ctx context.Context, accessToken string) (*AuthenticateResult, error) {
	args := struct {
		AccessToken string `json:"access_token"`
	}{accessToken}

	data, err := c.call(ctx, c.cfg.Timeout, CmdAuthenticate, args, "")
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	var res AuthenticateResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("authenticate: bad reply: %w", err)
	}
	return &res, nil
}

// Subscribe registers for evt. args may be nil for global events.
func (c *Client) Subscribe(ctx context.Context, evt string, args any) (Subscription, error) {
	if _, err := c.call(ctx, c.cfg.Timeout, CmdSubscribe, args, evt); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", evt, err)
	}
	return &subscription{c: c, evt: evt, args: args}, nil
}

// GetSelectedVoiceChannel returns the channel the user is in, or nil.
func (c *Client) GetSelectedVoiceChannel(ctx context.Context) (*Channel, error) {
	data, err := c.call(ctx, c.cfg.Timeout, CmdGetSelectedVoiceChannel, nil, "")
	if err != nil {
		return nil, fmt.Errorf("get selected voice channel: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}

	var ch Channel
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("get selected voice channel: bad reply: %w", err)
	}
	if ch.ID == "" {
		return nil, nil
	}
	return &ch, nil
}

func (c *Client) GetVoiceSettings(ctx context.Context) (*VoiceSettings, error) {
	data, err := c.call(ctx, c.cfg.Timeout, CmdGetVoiceSettings, nil, "")
	if err != nil {
		return nil, fmt.Errorf("get voice settings: %w", err)
	}
	var vs VoiceSettings
	if err := json.Unmarshal(data, &vs); err != nil {
		return nil, fmt.Errorf("get voice settings: bad reply: %w", err)
	}
	return &vs, nil
}

func (c *Client) SetVoiceSettings(ctx context.Context, settings VoiceSettings) error {
	if _, err := c.call(ctx, c.cfg.Timeout, CmdSetVoiceSettings, settings, ""); err != nil {
		return fmt.Errorf("set voice settings: %w", err)
	}
	return nil
}

func (c *Client) SetUserVoiceSettings(ctx context.Context, userID string, settings UserVoiceSettings) error {
	args := struct {
		UserID string `json:"user_id"`
		UserVoiceSettings
	}{userID, settings}

	if _, err := c.call(ctx, c.cfg.Timeout, CmdSetUserVoiceSettings, args, ""); err != nil {
		return fmt.Errorf("set user voice settings: %w", err)
	}
	return nil
}

// SelectVoiceChannel joins channelID, or leaves voice when it is empty.
func (c *Client) SelectVoiceChannel(ctx context.Context, channelID string) error {
	args := struct {
		ChannelID *string `json:"channel_id"`
		Force     bool    `json:"force,omitempty"`
	}{}
	if channelID != "" {
		args.ChannelID = &channelID
		args.Force = true
	}

	if _, err := c.call(ctx, c.cfg.Timeout, CmdSelectVoiceChannel, args, ""); err != nil {
		return fmt.Errorf("select voice channel: %w", err)
	}
	return nil
}

type activityArgs struct {
	PID      int       `json:"pid"`
	Activity *Activity `json:"activity,omitempty"`
}

func (c *Client) SetActivity(ctx context.Context, activity Activity) error {
	if _, err := c.call(ctx, c.cfg.Timeout, CmdSetActivity, activityArgs{PID: os.Getpid(), Activity: &activity}, ""); err != nil {
		return fmt.Errorf("set activity: %w", err)
	}
	return nil
}

func (c *Client) ClearActivity(ctx context.Context) error {
	if _, err := c.call(ctx, c.cfg.Timeout, CmdSetActivity, activityArgs{PID: os.Getpid()}, ""); err != nil {
		return fmt.Errorf("clear activity: %w", err)
	}
	return nil
}
