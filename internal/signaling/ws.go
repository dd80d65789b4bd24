package signaling

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-kiosk/internal/tokens"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for dev; restrict in prod
	},
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxMessageSize = 8 * 1024
	sendQueueSize  = 64
)

// Server upgrades authenticated connections and pumps frames between the
// websocket and the hub.
type Server struct {
	hub    *Hub
	tokens *tokens.Manager
	log    zerolog.Logger
}

func NewServer(hub *Hub, tm *tokens.Manager, log zerolog.Logger) *Server {
	return &Server{hub: hub, tokens: tm, log: log}
}

// ServeWS is the handshake handler. The bearer credential rides in the
// `token` query param (standard for WS) or the Authorization header;
// unauthenticated connections are refused before upgrade.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenStr = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := s.tokens.ValidateClientToken(tokenStr)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	c := &client{
		id:   claims.ClientID,
		role: claims.Role,
		conn: conn,
		send: make(chan Outbound, sendQueueSize),
		log: s.log.With().
			Str("client_id", claims.ClientID).
			Str("role", string(claims.Role)).
			Logger(),
	}

	s.log.Info().
		Str("client_id", c.id).
		Str("role", string(c.role)).
		Msg("client connected")

	go c.writePump()
	c.readLoop(s.hub)
}

// client is one live connection; it implements Peer.
type client struct {
	id   string
	role tokens.Role
	conn *websocket.Conn
	send chan Outbound
	log  zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func (c *client) ClientID() string  { return c.id }
func (c *client) Role() tokens.Role { return c.role }

// Close tears the connection down; the read loop then runs hub cleanup.
func (c *client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *client) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Send enqueues without blocking. A full queue means a stalled consumer;
// the connection is dropped rather than stalling the hub.
func (c *client) Send(m Outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- m:
		return true
	default:
		c.log.Warn().Msg("send queue overflow, dropping client")
		c.closeLocked()
		return false
	}
}

// readLoop processes inbound frames in arrival order. Returns on any read
// error; cleanup runs exactly once from here.
func (c *client) readLoop(hub *Hub) {
	defer func() {
		hub.Disconnect(c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("ws read error")
			}
			return
		}
		// App-level commands refresh the read deadline too.
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		hub.Handle(c, raw)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case m, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(m); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
