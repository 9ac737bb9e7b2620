// Package rpc is a client for the local Discord RPC server, spoken over a
// websocket on 127.0.0.1.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed    = errors.New("rpc connection closed")
	ErrHandshake = errors.New("rpc handshake failed")
)

// Config holds client configuration
type Config struct {
	ClientID         string
	Host             string
	Port             int
	Origin           string
	Timeout          time.Duration // bound for every command round trip
	AuthorizeTimeout time.Duration // bound for AUTHORIZE, which waits for the user
	TokenURL         string        // OAuth2 token endpoint; empty means Discord's
	HTTPClient       *http.Client
}

// Client is a single RPC connection. It is safe for concurrent use; command
// replies are matched to callers by nonce.
type Client struct {
	cfg  Config
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan response
	err     error

	ready  ReadyData
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Dial connects to the RPC server and waits for the READY dispatch.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.AuthorizeTimeout <= 0 {
		cfg.AuthorizeTimeout = 2 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	u := url.URL{
		Scheme: "ws",
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   "/",
		RawQuery: url.Values{
			"v":         {"1"},
			"client_id": {cfg.ClientID},
			"encoding":  {"json"},
		}.Encode(),
	}

	header := http.Header{}
	if cfg.Origin != "" {
		header.Set("Origin", cfg.Origin)
	}

	log.Debug().Str("module", "rpc").Str("url", u.String()).Msg("dialing")

	dialer := websocket.Dialer{HandshakeTimeout: cfg.Timeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[string]chan response),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readMessages()
	return c, nil
}

// handshake waits for the READY dispatch the server sends on connect.
func (c *Client) handshake() error {
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	var msg response
	if err := c.conn.ReadJSON(&msg); err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return fmt.Errorf("%w: %w", ErrHandshake, &Error{Code: ce.Code, Message: ce.Text})
		}
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	if msg.Cmd != CmdDispatch || msg.Evt != EvtReady {
		return fmt.Errorf("%w: expected READY, got %s/%s", ErrHandshake, msg.Cmd, msg.Evt)
	}
	if err := json.Unmarshal(msg.Data, &c.ready); err != nil {
		return fmt.Errorf("%w: bad READY payload: %w", ErrHandshake, err)
	}
	return nil
}

// Ready returns the READY payload received during the handshake.
func (c *Client) Ready() ReadyData { return c.ready }

// Events delivers DISPATCH frames. The channel is closed when the connection ends.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(reason error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = reason
		c.mu.Unlock()
		c.conn.Close()
		close(c.done)
	})
}

func (c *Client) readMessages() {
	defer close(c.events)

	for {
		var msg response
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				log.Warn().Str("module", "rpc").Err(err).Msg("read error")
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.shutdown(fmt.Errorf("%w: %w", ErrClosed, &Error{Code: ce.Code, Message: ce.Text}))
			} else {
				c.shutdown(fmt.Errorf("%w: %w", ErrClosed, err))
			}
			return
		}

		if msg.Nonce != "" {
			c.mu.Lock()
			ch, ok := c.pending[msg.Nonce]
			delete(c.pending, msg.Nonce)
			c.mu.Unlock()
			if ok {
				ch <- msg
				continue
			}
		}

		if msg.Cmd != CmdDispatch {
			log.Debug().Str("module", "rpc").Str("cmd", msg.Cmd).Msg("unmatched reply")
			continue
		}

		select {
		case c.events <- Event{Name: msg.Evt, Data: msg.Data}:
		case <-c.done:
			return
		}
	}
}

// call sends a command and waits for the reply carrying the same nonce.
func (c *Client) call(ctx context.Context, timeout time.Duration, cmd string, args any, evt string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if args == nil {
		args = struct{}{}
	}
	nonce := uuid.NewString()
	reply := make(chan response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[nonce] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, nonce)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	err := c.conn.WriteJSON(request{Cmd: cmd, Args: args, Evt: evt, Nonce: nonce})
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", cmd, err)
	}

	select {
	case msg := <-reply:
		if msg.Evt == EvtError {
			rpcErr := &Error{}
			if err := json.Unmarshal(msg.Data, rpcErr); err != nil {
				return nil, fmt.Errorf("%s failed with undecodable error: %w", cmd, err)
			}
			return nil, rpcErr
		}
		return msg.Data, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", cmd, ctx.Err())
	}
}

// IsCode reports whether err is an RPC error with the given code.
func IsCode(err error, code int) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}
