package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/artemis/web-migrate/internal/auth"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. The feed is one-way;
	// clients only need room for control frames.
	maxMessageSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The endpoint sits behind token auth, not origin checks.
		return true
	},
}

// wsEvent is a pre-marshaled event plus the tenant facts the hub needs
// to filter it per subscriber.
type wsEvent struct {
	tenantID string
	global   bool
	payload  []byte
}

// Client represents one event feed subscriber.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	identity *auth.Identity
}

// allowed reports whether this subscriber may see the event. Global
// events (host samples, alerts) reach every authenticated subscriber;
// session events follow tenant visibility.
func (c *Client) allowed(ev wsEvent) bool {
	if ev.global {
		return true
	}
	return c.identity.CanAccessTenant(ev.tenantID)
}

// Hub fans migration events out to WebSocket subscribers. Events enter
// through BroadcastEvent and leave through per-client send buffers;
// subscribers that cannot drain their buffer are dropped.
type Hub struct {
	store      *session.Store
	clients    map[*Client]bool
	broadcast  chan wsEvent
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *observability.Logger
	running    bool
	done       chan struct{}
	stop       sync.Once
}

// NewHub creates an event hub. Tenant ownership of session events is
// resolved through store.
func NewHub(store *session.Store, logger *observability.Logger) *Hub {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Hub{
		store:      store,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan wsEvent, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run owns the subscriber set until Stop is called.
func (h *Hub) Run() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	h.logger.Info("event hub started")

	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.running = false
			h.mu.Unlock()
			h.logger.Info("event hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("event feed client connected",
				zap.Int("total_clients", total),
			)

		case client := <-h.unregister:
			h.drop(client)

		case ev := <-h.broadcast:
			// Collect subscribers with full buffers and drop them
			// after the read lock is released.
			var slow []*Client
			h.mu.RLock()
			for client := range h.clients {
				if !client.allowed(ev) {
					continue
				}
				select {
				case client.send <- ev.payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				h.logger.Warn("dropping slow event feed client")
				h.drop(client)
			}
		}
	}
}

// drop removes a subscriber and closes its send channel exactly once.
func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Stop shuts the hub down. Safe to call more than once.
func (h *Hub) Stop() {
	h.stop.Do(func() { close(h.done) })
}

// BroadcastEvent publishes a typed event to all eligible subscribers.
// An empty sessionID marks the event global. Tenant ownership is
// resolved once here rather than per subscriber.
func (h *Hub) BroadcastEvent(eventType, sessionID string, data interface{}) {
	ev := wsEvent{global: sessionID == ""}
	if !ev.global {
		tenant, err := h.store.TenantOf(sessionID)
		if err != nil {
			// Session already deleted; stragglers stay tenantless.
			tenant = ""
		}
		ev.tenantID = tenant
	}

	payload, err := json.Marshal(map[string]interface{}{
		"type":      eventType,
		"data":      data,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("failed to marshal event",
			zap.String("type", eventType),
			zap.Error(err),
		)
		return
	}
	ev.payload = payload

	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("broadcast channel full, dropping event",
			zap.String("type", eventType),
		)
	}
}

// HandleEvents upgrades the request and attaches the caller to the feed.
func (s *Server) HandleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("failed to upgrade websocket", zap.Error(err))
		return
	}

	client := &Client{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		identity: identityFrom(c),
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains inbound frames so pong handling stays alive. The feed
// is one-directional; client payloads are discarded.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writePump owns all writes on the connection: queued events plus
// protocol pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued events to the current websocket message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
