package model

// ConnectionState is the state of a session's socket.
type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionOpen
	ConnectionClosing
	ConnectionClosed
	ConnectionFailed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionOpen:
		return "open"
	case ConnectionClosing:
		return "closing"
	case ConnectionClosed:
		return "closed"
	case ConnectionFailed:
		return "error"
	default:
		return "unknown"
	}
}

// ExecutionState is the state of the program running in a session.
type ExecutionState int

const (
	ExecutionIdle ExecutionState = iota
	ExecutionRunning
	ExecutionWaitingForInput
	ExecutionCompleted
	ExecutionTerminated
)

func (s ExecutionState) String() string {
	switch s {
	case ExecutionIdle:
		return "idle"
	case ExecutionRunning:
		return "running"
	case ExecutionWaitingForInput:
		return "waiting_for_input"
	case ExecutionCompleted:
		return "completed"
	case ExecutionTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Active reports whether a program is running, including while it waits for input.
func (s ExecutionState) Active() bool {
	return s == ExecutionRunning || s == ExecutionWaitingForInput
}
