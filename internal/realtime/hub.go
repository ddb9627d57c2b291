// Package realtime streams a user's balance notifications over WebSocket.
//
// The Hub is a notify.Sink: each ledger notification is pushed to the
// sockets of the user it concerns. Clients may narrow the stream by sending
// a Subscription message.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/creditledger/internal/metrics"
	"github.com/mbd888/creditledger/internal/notify"
)

// ErrHubStopped is returned by Deliver once Run has exited.
var ErrHubStopped = errors.New("realtime hub stopped")

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription filters a client's stream. No types means everything.
type Subscription struct {
	Types []string `json:"types"`
}

// Client is one WebSocket connection.
type Client struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.RWMutex
	sub    Subscription
}

func (c *Client) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sub.Types) == 0 || slices.Contains(c.sub.Types, eventType)
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// MaxClientsPerUser bounds the sockets one user may hold open.
const MaxClientsPerUser = 8

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[string]map[*Client]struct{} // by user id
	count      int
	broadcast  chan notify.Notification
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		broadcast:  make(chan notify.Notification, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for _, set := range h.clients {
				for client := range set {
					close(client.send) // writePump sends CloseMessage on closed channel
				}
			}
			h.clients = make(map[string]map[*Client]struct{})
			h.count = 0
			h.mu.Unlock()
			metrics.ActiveStreamClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			set := h.clients[client.userID]
			if set == nil {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			h.count++
			n := h.count
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveStreamClients.Set(float64(n))
			h.logger.Debug("stream client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			n := h.count
			h.mu.Unlock()
			metrics.ActiveStreamClients.Set(float64(n))
			h.logger.Debug("stream client disconnected", "user_id", client.userID, "total", n)

		case n := <-h.broadcast:
			h.totalEvents.Add(1)
			msg, err := json.Marshal(n)
			if err != nil {
				h.logger.Warn("failed to serialize notification", "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients[n.UserID] {
				if !client.wants(n.Type) {
					continue
				}
				select {
				case client.send <- msg:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					h.removeLocked(client)
				}
				n := h.count
				h.mu.Unlock()
				metrics.ActiveStreamClients.Set(float64(n))
			}
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	set := h.clients[client.userID]
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	close(client.send)
	h.count--
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
}

func (h *Hub) Name() string { return "realtime" }

// Deliver queues n for the user's connected clients. It never blocks; a
// full queue drops the notification.
func (h *Hub) Deliver(_ context.Context, n notify.Notification) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- n:
		return nil
	default:
		h.logger.Warn("broadcast channel full, dropping notification", "user_id", n.UserID, "type", n.Type)
		return errors.New("realtime broadcast queue full")
	}
}

// Connected returns the number of open sockets for userID.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"connectedClients": h.count,
		"connectedUsers":   len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// RegisterRoutes sets up the stream route
func (h *Hub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/stream", h.Stream)
}

// Stream handles GET /users/:id/stream and upgrades it to a WebSocket.
func (h *Hub) Stream(c *gin.Context) {
	h.serve(c.Writer, c.Request, c.Param("id"))
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, userID string) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	total, mine := h.count, len(h.clients[userID])
	h.mu.RUnlock()
	if total >= h.maxClients || mine >= MaxClientsPerUser {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 64),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and keeps the read deadline alive.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
