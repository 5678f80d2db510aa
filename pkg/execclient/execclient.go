// Package execclient is the public client for remote code-execution
// sessions. A Client runs programs on an execution backend over a single
// socket and reports their output, input prompts, and exit as events.
//
//	c := execclient.New(execclient.Config{Host: "localhost:8000"})
//	defer c.Close()
//	c.On(execclient.EventOutput, func(ev execclient.Event) { fmt.Print(ev.Text) })
//	err := c.ExecuteCode(ctx, code, execclient.LanguageForFile("main.py"), fileID)
package execclient

import (
	"path"
	"strings"

	"github.com/codeedit/execsession/internal/buffer"
	"github.com/codeedit/execsession/internal/events"
	"github.com/codeedit/execsession/internal/execution"
	"github.com/codeedit/execsession/internal/model"
	"github.com/codeedit/execsession/internal/reconnect"
)

// Re-export types from internal packages for external use
type (
	Client          = execution.Coordinator
	Config          = execution.Config
	ReconnectConfig = reconnect.Config

	Event      = events.Event
	EventKind  = events.Kind
	Handler    = events.Handler
	ListenerID = events.ListenerID

	ConnectionState = model.ConnectionState
	ExecutionState  = model.ExecutionState

	TranscriptLine = buffer.Line

	ConnectionError        = model.ConnectionError
	ConnectionTimeoutError = model.ConnectionTimeoutError
	ProtocolError          = model.ProtocolError
	ServerError            = model.ServerError
	InvalidStateError      = model.InvalidStateError
	CancelledError         = model.CancelledError
)

// Event kinds.
const (
	EventOutput                = events.KindOutput
	EventError                 = events.KindError
	EventInputPrompt           = events.KindInputPrompt
	EventExecutionComplete     = events.KindExecutionComplete
	EventExecutionTerminated   = events.KindExecutionTerminated
	EventSocketError           = events.KindSocketError
	EventConnectionEstablished = events.KindConnectionEstablished
)

// Execution states.
const (
	Idle            = model.ExecutionIdle
	Running         = model.ExecutionRunning
	WaitingForInput = model.ExecutionWaitingForInput
	Completed       = model.ExecutionCompleted
	Terminated      = model.ExecutionTerminated
)

// New creates a client. No connection is made until ExecuteCode or Connect.
func New(cfg Config) *Client {
	return execution.New(cfg)
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return execution.DefaultConfig()
}

var extensionLanguages = map[string]string{
	"js":   "javascript",
	"ts":   "typescript",
	"py":   "python",
	"html": "html",
	"css":  "css",
	"json": "json",
	"md":   "markdown",
}

// LanguageForFile derives the language tag sent with an execution from a
// file name's extension. Unknown extensions map to "plaintext".
func LanguageForFile(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if lang, ok := extensionLanguages[ext]; ok {
		return lang
	}
	return "plaintext"
}
