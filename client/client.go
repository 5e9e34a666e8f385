// Package client is a Go client for the watch-party relay. It wraps the
// websocket in an explicit connection state machine (disconnected →
// connecting → joined → reconnecting) instead of ad hoc transport
// callbacks, and reconnects with exponential backoff. On every (re)connect
// it resends join-party and adopts the fresh roster and state snapshot from
// the joined response; it never applies incremental diffs across a gap.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/amir17x/xraynama/internal/party"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoined
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var ErrNotJoined = errors.New("client: not joined")

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	writeTimeout          = 10 * time.Second
)

type Config struct {
	URL       string // ws:// endpoint
	PartyCode string
	ClientID  string // optional; server generates one when empty
	ContentID string
	EpisodeID string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Log *zap.Logger
}

// Handlers receive server events. All callbacks run on the client's read
// goroutine; nil callbacks are skipped.
type Handlers struct {
	OnJoined      func(clientID string, roster []string, state *party.StateSnapshot, history []party.ChatMessage)
	OnRoster      func(eventType, clientID string, roster []string)
	OnChat        func(msg party.ChatMessage)
	OnPlayerState func(state party.StateSnapshot)
	OnStateChange func(from, to State)
	OnServerError func(code, message string)
}

type Client struct {
	cfg      Config
	handlers Handlers
	log      *zap.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	clientID string
	joined   bool // joined at least once on the current connection
}

func New(cfg Config, handlers Handlers) *Client {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		handlers: handlers,
		log:      cfg.Log,
		state:    StateDisconnected,
		clientID: cfg.ClientID,
	}
}

// Run connects and keeps the session alive until ctx is canceled. Each
// connection attempt sends join-party; each drop backs off exponentially
// before redialing.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.InitialBackoff
	first := true

	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		if first {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		c.mu.Lock()
		c.joined = false
		c.mu.Unlock()

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		if err != nil {
			c.log.Debug("connection attempt failed", zap.Error(err), zap.Duration("backoff", backoff))
		}
		first = false

		c.mu.Lock()
		if c.joined {
			backoff = c.cfg.InitialBackoff
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	join := party.JoinPartyEnvelope{
		Type:      party.TypeJoinParty,
		PartyCode: c.cfg.PartyCode,
		ClientID:  c.clientIDSnapshot(),
		ContentID: c.cfg.ContentID,
		EpisodeID: c.cfg.EpisodeID,
	}
	if err := c.writeJSON(conn, join); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	// Close the socket when ctx is canceled so the read loop unblocks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		c.log.Debug("malformed server frame", zap.Error(err))
		return
	}

	switch head.Type {
	case party.TypeJoined:
		var env party.JoinedEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		c.mu.Lock()
		c.clientID = env.ClientID
		c.joined = true
		c.mu.Unlock()
		c.setState(StateJoined)
		if c.handlers.OnJoined != nil {
			c.handlers.OnJoined(env.ClientID, env.Clients, env.State, env.History)
		}

	case party.TypeUserJoined, party.TypeUserLeft:
		var env party.RosterEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		if c.handlers.OnRoster != nil {
			c.handlers.OnRoster(env.Type, env.ClientID, env.Clients)
		}

	case party.TypeChat:
		var env party.ChatEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		if c.handlers.OnChat != nil {
			c.handlers.OnChat(party.ChatMessage{
				SenderClientID: env.ClientID,
				Text:           env.Message,
				SentAt:         env.Timestamp,
			})
		}

	case party.TypePlayerState:
		var env party.PlayerStateEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		if c.handlers.OnPlayerState != nil {
			c.handlers.OnPlayerState(party.StateSnapshot{
				IsPlaying:   env.IsPlaying,
				CurrentTime: env.CurrentTime,
				Timestamp:   env.Timestamp,
				ClientID:    env.ClientID,
			})
		}

	case party.TypeError:
		var env party.ErrorEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		c.log.Debug("server rejected message",
			zap.String("code", env.Code),
			zap.String("message", env.Message))
		if c.handlers.OnServerError != nil {
			c.handlers.OnServerError(env.Code, env.Message)
		}

	default:
		c.log.Debug("unknown server frame", zap.String("type", head.Type))
	}
}

// SendChat relays a chat line. The server assigns id and timestamp.
func (c *Client) SendChat(text string) error {
	return c.send(party.ChatEnvelope{Type: party.TypeChat, Message: text})
}

// SendPlayerState emits a local playback checkpoint.
func (c *Client) SendPlayerState(isPlaying bool, currentTime float64) error {
	return c.send(party.PlayerStateEnvelope{
		Type:        party.TypePlayerState,
		IsPlaying:   isPlaying,
		CurrentTime: currentTime,
	})
}

func (c *Client) send(v any) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if conn == nil || state != StateJoined {
		return ErrNotJoined
	}
	return c.writeJSON(conn, v)
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the routing token assigned at the last join.
func (c *Client) ClientID() string {
	return c.clientIDSnapshot()
}

func (c *Client) clientIDSnapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from != to && c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(from, to)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
