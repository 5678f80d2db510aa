package ws

import (
	"log/slog"

	"github.com/codeedit/execsession/internal/session"
)

// Service wires WebSocket connections to the session manager.
type Service struct {
	hub      *Hub
	handler  *Handler
	sessions *session.Manager
}

// NewService creates a new WebSocket service.
func NewService(sessions *session.Manager, logger *slog.Logger) *Service {
	hub := NewHub()
	return &Service{
		hub:      hub,
		handler:  NewHandler(hub, sessions, logger),
		sessions: sessions,
	}
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Hub returns the client hub.
func (s *Service) Hub() *Hub {
	return s.hub
}

// IsSessionConnected returns true if a client is connected to the session.
func (s *Service) IsSessionConnected(sessionID string) bool {
	return s.hub.Get(sessionID) != nil
}

// ConnectedCount returns the number of connected clients.
func (s *Service) ConnectedCount() int {
	return s.hub.ClientCount()
}

// Close stops every running program and closes all connections.
func (s *Service) Close() {
	s.sessions.Shutdown()
	s.hub.Close()
}
