package ws

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/codeedit/execsession/internal/model"
	"github.com/codeedit/execsession/internal/protocol"
)

// sendBufferSize bounds the frames queued for one client. A client that
// falls this far behind is disconnected.
const sendBufferSize = 256

// Client represents a WebSocket client connection.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	logger    *slog.Logger

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string
}

// NewClient creates a new WebSocket client.
func NewClient(conn *websocket.Conn, sessionID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, sendBufferSize),
		logger:    logger,
		closeCode: websocket.CloseNormalClosure,
	}
}

// Send queues raw data to be sent to the client.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, closing client", "session", c.sessionID)
		c.closeCode = websocket.CloseTryAgainLater
		c.closeText = "client too slow"
		c.closeLocked()
	}
}

// SendFrame encodes and queues a frame.
func (c *Client) SendFrame(frame protocol.Inbound) {
	data, err := protocol.EncodeInbound(frame)
	if err != nil {
		c.logger.Error("failed to encode frame", "session", c.sessionID, "type", frame.Type(), "error", err)
		return
	}
	c.Send(data)
}

// Close closes the client connection with a normal close frame.
func (c *Client) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith closes the client connection; the write pump sends code and text
// in the close frame once the queued frames are flushed.
func (c *Client) CloseWith(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closeCode = code
	c.closeText = text
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// closeMessage returns the close frame payload for this client.
func (c *Client) closeMessage() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeText)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SessionID returns the session ID associated with this client.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub tracks connected clients by session id.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Register adds a client to the hub. A session may only have one client.
func (h *Hub) Register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.sessionID]; ok {
		return model.ErrSessionActive
	}
	h.clients[client.sessionID] = client
	return nil
}

// Unregister removes a client from the hub and closes it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if h.clients[client.sessionID] == client {
		delete(h.clients, client.sessionID)
	}
	h.mu.Unlock()

	client.Close()
}

// Get returns the client for the session, or nil if not connected.
func (h *Hub) Get(sessionID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[sessionID]
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close closes all client connections with a going-away close frame.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, client := range clients {
		client.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}
}
