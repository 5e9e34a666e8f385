package party

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// DefaultJoinGrace bounds how long a fresh connection may idle before
	// sending join-party. Expiry closes the socket with no broadcast; the
	// client was never a member.
	DefaultJoinGrace = 10 * time.Second

	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256

	// minMessageInterval is the per-client floor between routed messages.
	minMessageInterval = 50 * time.Millisecond
)

// Catalog lets the hub validate the content refs carried on a join. Both
// checks are presentation-level: a missing catalog means refs are accepted
// opaquely.
type Catalog interface {
	HasContent(ctx context.Context, id string) bool
	HasEpisode(ctx context.Context, id string) bool
}

// HubConfig wires the hub's collaborators. Registry and Log are required.
type HubConfig struct {
	Registry  *Registry
	Log       *zap.Logger
	ChatStore ChatStore // optional durable history
	Catalog   Catalog   // optional content ref validation
	JoinGrace time.Duration
}

// Hub accepts websocket connections, runs their read/write pumps and feeds
// inbound frames through the router. Each connect, message and disconnect
// is handled on its own goroutine; the only blocking beyond network I/O is
// per-session lock acquisition.
type Hub struct {
	registry  *Registry
	log       *zap.Logger
	chatStore ChatStore
	catalog   Catalog
	joinGrace time.Duration
	limiter   *RateLimiter
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.JoinGrace <= 0 {
		cfg.JoinGrace = DefaultJoinGrace
	}
	return &Hub{
		registry:  cfg.Registry,
		log:       cfg.Log,
		chatStore: cfg.ChatStore,
		catalog:   cfg.Catalog,
		joinGrace: cfg.JoinGrace,
		limiter:   NewRateLimiter(minMessageInterval),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // party codes are the admission boundary, not origins
			},
		},
		clients: make(map[*Client]struct{}),
	}
}

// Client is one live websocket connection. Its id doubles as the routing
// token inside a session and is distinct from any durable user identity.
type Client struct {
	ID string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	session *Session
	closed  bool
}

// ServeWS upgrades the request and runs the connection until it drops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.log.Debug("connection accepted", zap.String("remote", conn.RemoteAddr().String()))

	go c.writePump()
	c.readPump()
}

// Close drops every live connection. Session teardown follows through the
// normal disconnect path.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}

func (c *Client) readPump() {
	defer c.hub.removeClient(c)

	c.conn.SetReadLimit(maxMessageSize)
	// Until a valid join arrives the read deadline is the join grace; a
	// connection that never joins times out and is simply closed.
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.joinGrace))
	c.conn.SetPongHandler(func(string) error {
		if c.currentSession() != nil {
			_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.currentSession() == nil {
				c.hub.log.Debug("connection closed before join", zap.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		if c.currentSession() != nil {
			_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		}
		c.hub.route(c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient finalizes a dropped connection: leaves its session (with a
// user-left roster broadcast to the remaining members), closes the send
// queue and forgets the rate-limit entry. Broadcasts already enqueued to
// other members are unaffected.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	sess := c.detachSession()
	if sess != nil {
		res := sess.Leave(c, time.Now())
		if res.WasMember {
			h.log.Info("member left",
				zap.String("party_code", sess.Code),
				zap.String("client_id", c.ID),
				zap.Int("remaining", len(res.Roster)))
		}
		h.dropSlow(res.Failed)
	}

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()

	_ = c.conn.Close()
	if c.ID != "" {
		h.limiter.Forget(c.ID)
	}
}

// dropSlow disconnects members whose send queue rejected a broadcast.
// Closing the socket routes them through removeClient; delivery to every
// other member already proceeded.
func (h *Hub) dropSlow(failed []*Client) {
	for _, c := range failed {
		h.log.Warn("send failed, dropping member", zap.String("client_id", c.ID))
		_ = c.conn.Close()
	}
}

// enqueue offers a frame to the client's ordered send queue without
// blocking. False means the client is gone or too slow to keep up.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// bindID fixes the connection's routing id on the first join. A connection
// keeps one id for its whole lifetime; a rejoin may repeat or omit the id
// but never change it, so concurrent readers always observe a stable value.
func (c *Client) bindID(requested string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.ID == "":
		if requested == "" {
			requested = newClientID()
		}
		c.ID = requested
	case requested != "" && requested != c.ID:
		return "", false
	}
	return c.ID, true
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Client) detachSession() *Session {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	return s
}

func (c *Client) sendError(code, message string) {
	data, err := json.Marshal(ErrorEnvelope{Type: TypeError, Code: code, Message: message})
	if err != nil {
		return
	}
	_ = c.enqueue(data)
}

func newClientID() string {
	return uuid.NewString()
}
