// Package protocol defines the frames exchanged between an execution client
// and the backend over the /ws/code/<session>/ socket, and the codec that
// translates them to and from JSON.
//
// Directions are named from the client's point of view: Outbound frames are
// commands the client sends, Inbound frames are what the backend sends back.
package protocol

// Client → Server message types.
const (
	TypeExecute   = "execute"
	TypeInput     = "input"
	TypeTerminate = "terminate"
)

// Server → Client message types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeOutput                = "output"
	TypeError                 = "error"
	TypeInputPrompt           = "input_prompt"
	TypeExecutionComplete     = "execution_complete"
	TypeExecutionTerminated   = "execution_terminated"
)

// Outbound is a command sent by the client.
type Outbound interface {
	Type() string
	isOutbound()
}

// Execute asks the backend to run code.
type Execute struct {
	Code     string
	Language string
	FileID   string
}

// Input feeds one line of text to the running program.
type Input struct {
	Text string
}

// Terminate asks the backend to stop the running program.
type Terminate struct{}

func (Execute) Type() string   { return TypeExecute }
func (Input) Type() string     { return TypeInput }
func (Terminate) Type() string { return TypeTerminate }

func (Execute) isOutbound()   {}
func (Input) isOutbound()     {}
func (Terminate) isOutbound() {}

// Inbound is a frame received from the backend.
type Inbound interface {
	Type() string
	isInbound()
}

// ConnectionEstablished confirms the backend is ready to accept commands.
type ConnectionEstablished struct {
	SessionID string
}

// Output is a chunk of program stdout.
type Output struct {
	Text string
}

// ServerError is program stderr or a backend-side failure.
type ServerError struct {
	Text string
}

// InputPrompt signals that the program is blocked reading input.
type InputPrompt struct{}

// ExecutionComplete reports that the program exited on its own.
type ExecutionComplete struct {
	ExitCode int
}

// ExecutionTerminated reports that the program was stopped.
type ExecutionTerminated struct {
	Reason string
}

// Unknown is a well-formed frame whose type this version does not understand.
type Unknown struct {
	Kind string
}

func (ConnectionEstablished) Type() string { return TypeConnectionEstablished }
func (Output) Type() string                { return TypeOutput }
func (ServerError) Type() string           { return TypeError }
func (InputPrompt) Type() string           { return TypeInputPrompt }
func (ExecutionComplete) Type() string     { return TypeExecutionComplete }
func (ExecutionTerminated) Type() string   { return TypeExecutionTerminated }
func (u Unknown) Type() string             { return u.Kind }

func (ConnectionEstablished) isInbound() {}
func (Output) isInbound()                {}
func (ServerError) isInbound()           {}
func (InputPrompt) isInbound()           {}
func (ExecutionComplete) isInbound()     {}
func (ExecutionTerminated) isInbound()   {}
func (Unknown) isInbound()               {}
