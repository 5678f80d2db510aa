package model

import (
	"regexp"
	"time"
)

// SessionStatus represents the connection status of a session in the backend ledger.
type SessionStatus string

const (
	SessionStatusConnected    SessionStatus = "connected"
	SessionStatusDisconnected SessionStatus = "disconnected"
)

// sessionIDPattern matches the ids accepted by the /ws/code/<id>/ route.
var sessionIDPattern = regexp.MustCompile(`^\w+$`)

// ValidSessionID reports whether id can be used in a connection address.
func ValidSessionID(id string) bool {
	return len(id) <= 128 && sessionIDPattern.MatchString(id)
}

// Session is the backend's record of one execution session's connection lifecycle.
// It carries no program output.
type Session struct {
	ID         string        `json:"id"`
	RemoteAddr string        `json:"remoteAddr"`
	Status     SessionStatus `json:"status"`
	CloseCode  *int          `json:"closeCode,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// Duration returns how long the session has existed.
func (s *Session) Duration() time.Duration {
	return time.Since(s.CreatedAt)
}
