// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeedit/execsession/internal/model"
	"github.com/codeedit/execsession/internal/session"
)

// maxListLimit caps the number of sessions returned by List.
const maxListLimit = 500

// SessionHandler handles HTTP requests for the session ledger.
type SessionHandler struct {
	sessionManager *session.Manager
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionManager *session.Manager) *SessionHandler {
	return &SessionHandler{
		sessionManager: sessionManager,
	}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID         string `json:"id"`
	RemoteAddr string `json:"remoteAddr,omitempty"`
	Status     string `json:"status"`
	CloseCode  *int   `json:"closeCode,omitempty"`
	Running    bool   `json:"running"`
	Duration   string `json:"duration"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (h *SessionHandler) toSessionResponse(s *model.Session) *SessionResponse {
	return &SessionResponse{
		ID:         s.ID,
		RemoteAddr: s.RemoteAddr,
		Status:     string(s.Status),
		CloseCode:  s.CloseCode,
		Running:    h.sessionManager.IsRunning(s.ID),
		Duration:   formatDuration(s.Duration()),
		CreatedAt:  s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  s.UpdatedAt.Format(time.RFC3339),
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// List handles GET /api/sessions. It accepts optional status and limit
// query parameters.
func (h *SessionHandler) List(c *gin.Context) {
	status := model.SessionStatus(c.Query("status"))
	switch status {
	case "", model.SessionStatusConnected, model.SessionStatusDisconnected:
	default:
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Unknown status "+string(status))
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	sessions, err := h.sessionManager.List(c.Request.Context(), status, limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	response := make([]*SessionResponse, len(sessions))
	for i, sess := range sessions {
		response[i] = h.toSessionResponse(sess)
	}

	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")
	if !model.ValidSessionID(sessionID) {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid session id")
		return
	}

	sess, err := h.sessionManager.Get(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, h.toSessionResponse(sess))
}

// Delete handles DELETE /api/sessions/:id. Connected sessions cannot be
// deleted.
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID := c.Param("id")
	if !model.ValidSessionID(sessionID) {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid session id")
		return
	}

	if err := h.sessionManager.Delete(c.Request.Context(), sessionID); err != nil {
		switch {
		case errors.Is(err, model.ErrSessionNotFound):
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
		case errors.Is(err, model.ErrSessionActive):
			sendError(c, http.StatusConflict, "SESSION_CONNECTED", "Session "+sessionID+" is still connected")
		default:
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete session: "+err.Error())
		}
		return
	}

	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions", h.List)
	rg.GET("/sessions/:id", h.Get)
	rg.DELETE("/sessions/:id", h.Delete)
}
