package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/keshon/voicemirror/pkg/retrylimit"
)

const (
	tokenExchangeAttempts = 3
	tokenRetryDelay       = 500 * time.Millisecond
)

type tokenRequest struct {
	GrantType    string
	Code         string
	RefreshToken string
	RedirectURI  string
	ClientSecret string
}

// TokenError is a non-2xx reply from the OAuth2 token endpoint.
type TokenError struct {
	Status int
	Body   string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.Status, e.Body)
}

func (e *TokenError) StatusCode() int { return e.Status }

func (c *Client) tokenURL() string {
	if c.cfg.TokenURL != "" {
		return c.cfg.TokenURL
	}
	return discordgo.EndpointOAuth2 + "token"
}

// exchange posts a token request, retrying transient failures.
func (c *Client) exchange(ctx context.Context, req tokenRequest) (*Token, error) {
	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {req.ClientSecret},
		"grant_type":    {req.GrantType},
	}
	if req.Code != "" {
		form.Set("code", req.Code)
	}
	if req.RefreshToken != "" {
		form.Set("refresh_token", req.RefreshToken)
	}
	if req.RedirectURI != "" {
		form.Set("redirect_uri", req.RedirectURI)
	}

	var token Token
	b := retrylimit.NewBackoff(retrylimit.BackoffConfig{
		Initial: tokenRetryDelay,
		Max:     10 * time.Second,
		Jitter:  true,
	})
	err := retrylimit.Retry(ctx, tokenExchangeAttempts, b, func() error {
		t, err := c.postToken(ctx, form)
		if err != nil {
			return err
		}
		token = *t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	return &token, nil
}

func (c *Client) postToken(ctx context.Context, form url.Values) (*Token, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &retrylimit.FatalError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		tokenErr := &TokenError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if retrylimit.Overloaded(tokenErr) {
			return nil, tokenErr
		}
		return nil, &retrylimit.FatalError{Err: tokenErr}
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, &retrylimit.FatalError{Err: fmt.Errorf("bad token reply: %w", err)}
	}
	if token.AccessToken == "" {
		return nil, &retrylimit.FatalError{Err: fmt.Errorf("token reply carried no access_token")}
	}
	if token.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	return &token, nil
}
