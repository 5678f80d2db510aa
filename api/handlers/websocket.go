package handlers

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/codeedit/execsession/internal/ws"
)

// WebSocketHandler serves the execution WebSocket endpoint.
type WebSocketHandler struct {
	wsHandler *ws.Handler
	logger    *slog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		wsHandler: wsHandler,
		logger:    logger,
	}
}

// Connect handles WS /ws/code/:session_id/.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, sessionID); err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", "session", sessionID, "error", err)
	}
}

// RegisterRoutes registers the WebSocket route on a Gin router.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws/code/:session_id/", h.Connect)
}
