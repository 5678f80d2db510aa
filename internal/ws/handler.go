package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codeedit/execsession/internal/model"
	"github.com/codeedit/execsession/internal/protocol"
	"github.com/codeedit/execsession/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Execute frames carry whole
	// source files.
	maxMessageSize = 1 << 20

	// Time allowed to record a disconnect in the ledger.
	closeTimeout = 5 * time.Second
)

const invalidJSONText = "Invalid JSON received"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections for execution sessions.
type Handler struct {
	hub      *Hub
	sessions *session.Manager
	logger   *slog.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, sessions *session.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:      hub,
		sessions: sessions,
		logger:   logger,
	}
}

// HandleConnection upgrades the request and serves session sessionID until
// the connection ends.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string) error {
	if !model.ValidSessionID(sessionID) {
		http.Error(w, "Invalid session id", http.StatusBadRequest)
		return nil
	}
	if h.hub.Get(sessionID) != nil {
		http.Error(w, model.ErrSessionActive.Error(), http.StatusConflict)
		return nil
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, sessionID, h.logger)
	if err := h.hub.Register(client); err != nil {
		h.reject(conn, websocket.ClosePolicyViolation, err)
		return nil
	}

	if _, err := h.sessions.Open(r.Context(), sessionID, r.RemoteAddr, client.SendFrame); err != nil {
		h.hub.Unregister(client)
		code := websocket.CloseInternalServerErr
		if errors.Is(err, model.ErrSessionLimit) {
			code = websocket.CloseTryAgainLater
		}
		h.reject(conn, code, err)
		return nil
	}

	client.SendFrame(protocol.ConnectionEstablished{SessionID: sessionID})

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

// reject closes a just-upgraded connection that cannot be served.
func (h *Handler) reject(conn *websocket.Conn, code int, err error) {
	h.logger.Warn("rejecting connection", "remote", conn.RemoteAddr().String(), "code", code, "error", err)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(writeWait))
	conn.Close()
}

// handleMessage routes one command frame to the session manager.
func (h *Handler) handleMessage(client *Client, data []byte) {
	msg, err := protocol.DecodeOutbound(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			h.logger.Debug("ignoring frame", "session", client.SessionID(), "error", err)
			return
		}
		h.logger.Warn("invalid frame", "session", client.SessionID(), "error", err)
		client.SendFrame(protocol.ServerError{Text: invalidJSONText})
		return
	}

	id := client.SessionID()
	switch m := msg.(type) {
	case protocol.Execute:
		err = h.sessions.Execute(id, m)
	case protocol.Input:
		err = h.sessions.Input(id, m.Text)
	case protocol.Terminate:
		err = h.sessions.Terminate(id)
	}
	if err != nil {
		h.logger.Debug("command failed", "session", id, "type", msg.Type(), "error", err)
	}
}

// readPump pumps command frames from the WebSocket connection to the session.
func (h *Handler) readPump(client *Client) {
	closeCode := websocket.CloseAbnormalClosure
	defer func() {
		h.hub.Unregister(client)
		client.Conn().Close()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := h.sessions.Close(ctx, client.SessionID(), closeCode); err != nil && !errors.Is(err, model.ErrSessionNotFound) {
			h.logger.Error("failed to close session", "session", client.SessionID(), "error", err)
		}
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := client.Conn().ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				closeCode = closeErr.Code
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Warn("websocket error", "session", client.SessionID(), "error", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			client.SendFrame(protocol.ServerError{Text: invalidJSONText})
			continue
		}

		h.handleMessage(client, message)
	}
}

// writePump pumps frames from the client's queue to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn().WriteMessage(websocket.CloseMessage, client.closeMessage())
				return
			}

			// One frame per message so the client can decode each independently.
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SetCheckOrigin sets a custom origin checker for the WebSocket upgrader.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	upgrader.CheckOrigin = fn
}
