package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session is not found in the ledger.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionActive is returned when a second connection is opened for a session that already has one.
	ErrSessionActive = errors.New("session already has an open connection")

	// ErrUnsupportedLanguage is returned when no runner is configured for the requested language.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrNoCode is returned when an execute request carries no code.
	ErrNoCode = errors.New("no code provided")

	// ErrProcessNotFound is returned when input or termination targets a session with no running program.
	ErrProcessNotFound = errors.New("no running process")

	// ErrSessionLimit is returned when the backend already serves its maximum number of sessions.
	ErrSessionLimit = errors.New("maximum concurrent sessions reached")

	// ErrExecutionActive is returned when an execute request arrives while a program is still running.
	ErrExecutionActive = errors.New("execution already running")
)

// ConnectionError reports that the socket failed to open, failed to send,
// or closed abnormally.
type ConnectionError struct {
	Op     string
	Code   int
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	msg := "connection error: " + e.Op
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d", e.Code)
		if e.Reason != "" {
			msg += ": " + e.Reason
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ConnectionTimeoutError reports that the server did not confirm the
// session within the connect window.
type ConnectionTimeoutError struct {
	Timeout time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("connection not established within %s", e.Timeout)
}

// ProtocolError reports an inbound frame that could not be decoded.
type ProtocolError struct {
	Frame string
	Err   error
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ServerError carries an explicit error frame sent by the backend.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// InvalidStateError is returned when a command is issued outside the state
// in which it is valid. Commands rejected this way never reach the wire.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s in state %s", e.Op, e.State)
}

// CancelledError reports an in-flight operation aborted because the session was closed.
type CancelledError struct {
	Op string
}

func (e *CancelledError) Error() string {
	return e.Op + " cancelled: session closed"
}
