package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wellnest/marketplace-api/internal/identity"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 32
)

// NewUpgrader returns a websocket upgrader accepting the listed origins.
// An empty list accepts any origin.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[strings.TrimRight(origin, "/")]
			return ok
		},
	}
}

// Envelope is the frame pushed over websockets.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type hubClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub tracks live websocket connections per user and pushes notifications to them.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*hubClient]struct{}
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

func NewHub(allowedOrigins []string, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		clients:  make(map[string]map[*hubClient]struct{}),
		upgrader: NewUpgrader(allowedOrigins),
		logger:   logger,
	}
}

// Notify pushes n to every connection of n.UserID. Users without a live
// connection are skipped; the outbox covers durable delivery.
func (h *Hub) Notify(_ context.Context, n Notification) error {
	payload, err := json.Marshal(Envelope{Type: "notification", Data: n})
	if err != nil {
		return fmt.Errorf("notify: hub encode: %w", err)
	}
	h.broadcast(n.UserID, payload)
	return nil
}

// Connections reports how many live connections a user has.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) broadcast(userID string, payload []byte) {
	// Sends happen under the read lock so unregister cannot close a
	// channel mid-send.
	var slow []*hubClient
	h.mu.RLock()
	for c := range h.clients[userID] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("notify: dropping slow websocket client", "user_id", userID)
		h.unregister(c)
	}
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*hubClient]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	close(c.send)
	if len(conns) == 0 {
		delete(h.clients, c.userID)
	}
}

// ServeWS upgrades an authenticated request and streams the caller's notifications.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("notify: websocket upgrade failed", "error", err)
		return
	}
	c := &hubClient{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	h.logger.Debug("notify: websocket connected", "user_id", userID)

	go h.writePump(c)
	h.readPump(c)
}

// readPump only services control frames; clients do not send data.
func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("notify: websocket read closed", "user_id", c.userID, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

var _ Notifier = (*Hub)(nil)
