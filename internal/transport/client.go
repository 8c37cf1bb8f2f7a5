package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livetemplate/stepdeck"
)

// ErrNotConnected is returned by EmitGoto before Dial succeeds
var ErrNotConnected = errors.New("transport: not connected")

const writeTimeout = 5 * time.Second

// Options configures a Client
type Options struct {
	URL   string // Relay base URL: http(s)://host:port or ws(s)://host:port/ws
	Room  string
	Role  string // RolePresenter or RoleFollower
	Retry RetryConfig
	Debug bool

	// SuppressEcho drops the relay's echo of this client's own gotos, so a
	// presenter is not moved back by echoes of positions it already left.
	SuppressEcho bool

	// Dialer defaults to websocket.DefaultDialer
	Dialer *websocket.Dialer
}

// Client is a stepdeck.Transport backed by a relay server connection.
type Client struct {
	opts   Options
	wsURL  string
	dialer *websocket.Dialer

	connMu  sync.Mutex
	conn    *websocket.Conn
	closed  bool
	writeMu sync.Mutex

	echoMu  sync.Mutex
	pending []stepdeck.GotoEvent

	handlerMu sync.RWMutex
	onGoto    func(*stepdeck.GotoEvent)
	onReload  func(file string)
	onState   func(StateData)
}

var _ stepdeck.Transport = (*Client)(nil)

// NewClient creates a client. It does not connect until Dial is called.
func NewClient(opts Options) (*Client, error) {
	if opts.Role == "" {
		opts.Role = RoleFollower
	}
	if !ValidRole(opts.Role) {
		return nil, fmt.Errorf("transport: unknown role %q", opts.Role)
	}
	if opts.Room == "" {
		opts.Room = "default"
	}

	wsURL, err := relayURL(opts.URL, opts.Room, opts.Role)
	if err != nil {
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	return &Client{opts: opts, wsURL: wsURL, dialer: dialer}, nil
}

// relayURL turns a relay base URL into the /ws endpoint for room and role
func relayURL(base, room, role string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("transport: invalid relay url %q: %w", base, err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: unsupported relay url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("transport: relay url %q has no host", base)
	}

	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}

	q := u.Query()
	q.Set("room", room)
	q.Set("role", role)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// URL returns the WebSocket URL the client dials
func (c *Client) URL() string {
	return c.wsURL
}

// Room returns the room the client joins
func (c *Client) Room() string {
	return c.opts.Room
}

// Dial connects to the relay, retrying with exponential backoff.
func (c *Client) Dial(ctx context.Context) error {
	return withRetry(ctx, c.wsURL, c.opts.Retry, func(ctx context.Context) error {
		conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, nil)
		if err != nil {
			if resp != nil {
				return &errHandshake{status: resp.StatusCode, err: fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)}
			}
			return err
		}

		c.connMu.Lock()
		old := c.conn
		c.conn = conn
		c.closed = false
		c.connMu.Unlock()
		if old != nil {
			old.Close()
		}

		if c.opts.Debug {
			log.Printf("[WS] Connected to %s", c.wsURL)
		}
		return nil
	})
}

// Run reads envelopes until ctx is cancelled. When the connection drops it
// redials; Run returns the dial error once reconnecting gives up.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn := c.current()
		if conn == nil {
			if c.isClosed() {
				return nil
			}
			return ErrNotConnected
		}

		err := c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}

		log.Printf("[WS] Connection to %s lost: %v", c.wsURL, err)
		if err := c.Dial(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if c.opts.Debug {
			log.Printf("[WS] Received: %s", message)
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("[WS] Ignoring malformed message: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	c.handlerMu.RLock()
	onGoto, onReload, onState := c.onGoto, c.onReload, c.onState
	c.handlerMu.RUnlock()

	switch env.Action {
	case ActionGoto:
		ev, err := env.Goto()
		if err != nil {
			log.Printf("[WS] %v", err)
			return
		}
		if c.isEcho(ev) {
			if c.opts.Debug {
				log.Printf("[WS] Dropping echo of own goto #%s", ev.Step)
			}
			return
		}
		if onGoto != nil {
			onGoto(ev)
		}

	case ActionReload:
		var data ReloadData
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				log.Printf("[WS] Invalid reload payload: %v", err)
				return
			}
		}
		if onReload != nil {
			onReload(data.File)
		}

	case ActionState:
		var data StateData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			log.Printf("[WS] Invalid state payload: %v", err)
			return
		}
		if onState != nil {
			onState(data)
		}

	default:
		if c.opts.Debug {
			log.Printf("[WS] Ignoring unknown action %q", env.Action)
		}
	}
}

func (c *Client) isClosed() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.closed
}

func (c *Client) current() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// OnGoto registers the inbound goto handler, replacing any previous one
func (c *Client) OnGoto(fn func(*stepdeck.GotoEvent)) {
	c.handlerMu.Lock()
	c.onGoto = fn
	c.handlerMu.Unlock()
}

// OffGoto removes the inbound goto handler
func (c *Client) OffGoto() {
	c.handlerMu.Lock()
	c.onGoto = nil
	c.handlerMu.Unlock()
}

// OnReload registers a handler for deck reload notifications
func (c *Client) OnReload(fn func(file string)) {
	c.handlerMu.Lock()
	c.onReload = fn
	c.handlerMu.Unlock()
}

// OnState registers a handler for the relay's room summary
func (c *Client) OnState(fn func(StateData)) {
	c.handlerMu.Lock()
	c.onState = fn
	c.handlerMu.Unlock()
}

// EmitGoto sends ev to the relay as a goto envelope
func (c *Client) EmitGoto(ev stepdeck.GotoEvent) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}

	env, err := NewEnvelope(ActionGoto, c.opts.Room, ev)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.expectEcho(ev)
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		c.forgetEcho()
		return fmt.Errorf("failed to send goto: %w", err)
	}
	return nil
}

// expectEcho records ev as in flight. The relay echoes a connection's gotos
// in the order they were sent.
func (c *Client) expectEcho(ev stepdeck.GotoEvent) {
	if !c.opts.SuppressEcho {
		return
	}
	c.echoMu.Lock()
	c.pending = append(c.pending, ev)
	c.echoMu.Unlock()
}

func (c *Client) forgetEcho() {
	if !c.opts.SuppressEcho {
		return
	}
	c.echoMu.Lock()
	if n := len(c.pending); n > 0 {
		c.pending = c.pending[:n-1]
	}
	c.echoMu.Unlock()
}

func (c *Client) isEcho(ev *stepdeck.GotoEvent) bool {
	if !c.opts.SuppressEcho {
		return false
	}
	c.echoMu.Lock()
	defer c.echoMu.Unlock()
	for i, p := range c.pending {
		if sameGoto(p, *ev) {
			// Gotos the relay dropped never echo; skip past them
			c.pending = c.pending[i+1:]
			return true
		}
	}
	return false
}

func sameGoto(a, b stepdeck.GotoEvent) bool {
	return a.Step == b.Step &&
		a.Position() == b.Position() &&
		a.TransitionDuration() == b.TransitionDuration()
}

// Close sends a close frame and closes the connection
func (c *Client) Close() error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	c.connMu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
