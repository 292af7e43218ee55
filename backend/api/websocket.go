package api

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/andi/barkest/backend/globalstatus"
	"github.com/andi/barkest/backend/watcher"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// ClientMessage represents a message from client to server
type ClientMessage struct {
	Action string `json:"action"` // "ping"
}

// ServerMessage represents a message from server to client
type ServerMessage struct {
	Type    string               `json:"type"` // "snapshot", "log", "reset", "status", "pong"
	Content string               `json:"content,omitempty"`
	Status  *globalstatus.Status `json:"status,omitempty"`
	Time    string               `json:"time"`
}

// Client represents a connected WebSocket client
type Client struct {
	conn         *websocket.Conn
	lastActivity time.Time
	send         chan ServerMessage
	closed       bool
	mu           sync.Mutex
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:         conn,
		lastActivity: time.Now(),
		send:         make(chan ServerMessage, 64),
	}
}

// trySend queues msg without blocking. It reports false when the client is
// closed or its queue is full.
func (c *Client) trySend(msg ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close closes the send channel once; the write pump then exits.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// WebSocketHub fans status log updates out to every connected client
type WebSocketHub struct {
	clients map[*Client]bool

	// Register/unregister channels
	register   chan *Client
	unregister chan *Client

	logger   *slog.Logger
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(logger *slog.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		logger:     logger.With("component", "websocket"),
		stopCh:     make(chan struct{}),
	}

	go hub.run()
	go hub.cleanupIdleClients()

	return hub
}

// run handles the main event loop
func (h *WebSocketHub) run() {
	for {
		select {
		case <-h.stopCh:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("websocket client registered")

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// removeClient drops a client and closes its send channel
func (h *WebSocketHub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	delete(h.clients, client)
	client.close()
}

// Clients returns the number of connected clients
func (h *WebSocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast sends a message to all clients
func (h *WebSocketHub) broadcast(msg ServerMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.trySend(msg) {
			client.touch()
		} else {
			// Channel full, client is slow, skip
			h.logger.Warn("websocket client send channel full")
		}
	}
}

// Publish converts a watcher update into a client message. status supplies
// the current lock state for status changes.
func (h *WebSocketHub) Publish(u watcher.Update, status func() globalstatus.Status) {
	msg := ServerMessage{
		Type: u.Kind,
		Time: time.Now().Format(time.RFC3339),
	}
	switch u.Kind {
	case watcher.UpdateLog:
		msg.Content = u.Content
	case watcher.UpdateStatus:
		st := status()
		msg.Status = &st
	}
	h.broadcast(msg)
}

// cleanupIdleClients periodically checks for idle clients and closes them
func (h *WebSocketHub) cleanupIdleClients() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkIdleClients(5 * time.Minute)
		}
	}
}

// checkIdleClients removes clients that have been idle for too long
func (h *WebSocketHub) checkIdleClients(idleTimeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for client := range h.clients {
		client.mu.Lock()
		lastActivity := client.lastActivity
		client.mu.Unlock()

		if now.Sub(lastActivity) > idleTimeout {
			h.logger.Info("closing idle websocket client", "idle", now.Sub(lastActivity))
			client.close()
			delete(h.clients, client)
		}
	}
}

// Stop stops the WebSocket hub
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (s *Server) requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// snapshot is the first message a client receives
func (s *Server) snapshot() ServerMessage {
	st := s.runner.Manager().Current()
	msg := ServerMessage{
		Type:   "snapshot",
		Status: &st,
		Time:   time.Now().Format(time.RFC3339),
	}
	if data, err := os.ReadFile(s.runner.LogPath()); err == nil {
		msg.Content = string(data)
	}
	return msg
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(c *fiber.Ctx) error {
	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()

		client := newClient(conn)
		client.trySend(s.snapshot())

		select {
		case s.wsHub.register <- client:
		case <-s.wsHub.stopCh:
			return
		}

		// Start write pump
		go client.writePump(s.wsHub)

		// Read pump (blocking)
		client.readPump(s.wsHub)

		// Unregister when done
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.stopCh:
		}
	})(c)
}

// HandleUpdate forwards a status watcher update to websocket clients
func (s *Server) HandleUpdate(u watcher.Update) {
	s.wsHub.Publish(u, s.runner.Manager().Current)
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump(hub *WebSocketHub) {
	for {
		var msg ClientMessage
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		c.touch()

		if msg.Action == "ping" {
			c.trySend(ServerMessage{Type: "pong", Time: time.Now().Format(time.RFC3339)})
		}
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump(hub *WebSocketHub) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// Channel closed
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
