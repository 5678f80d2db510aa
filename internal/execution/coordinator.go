// Package execution is the public face of a remote code-execution session:
// it starts, feeds, and terminates programs on the backend and tracks their
// state from the frames the backend sends back.
package execution

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/codeedit/execsession/internal/buffer"
	"github.com/codeedit/execsession/internal/events"
	"github.com/codeedit/execsession/internal/model"
	"github.com/codeedit/execsession/internal/protocol"
	"github.com/codeedit/execsession/internal/transport"
)

const (
	reasonConnectionLost = "Connection lost"
	reasonSessionClosed  = "Session closed"
)

// NewSessionID returns a fresh session id of the form session_<32 hex>.
func NewSessionID() string {
	return "session_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// call is an in-flight ExecuteCode shared by every concurrent caller.
type call struct {
	done chan struct{}
	err  error
}

func (c *call) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Coordinator owns one session: its id, its transport, and the state of the
// program running in it. It is safe for concurrent use.
type Coordinator struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher *events.Dispatcher
	output     *buffer.Terminal

	mu        sync.Mutex
	sessionID string
	transport *transport.Transport
	state     model.ExecutionState
	inflight  *call
	closed    bool
}

// New creates a coordinator. No connection is made until ExecuteCode or Connect.
func New(cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:        cfg,
		logger:     cfg.Logger,
		dispatcher: events.NewDispatcher(cfg.Logger),
		output:     buffer.NewTerminal(cfg.OutputBufferSize),
		state:      model.ExecutionIdle,
	}
}

// On registers a handler for kind.
func (c *Coordinator) On(kind events.Kind, h events.Handler) events.ListenerID {
	return c.dispatcher.On(kind, h)
}

// Off removes a handler registered with On.
func (c *Coordinator) Off(kind events.Kind, id events.ListenerID) {
	c.dispatcher.Off(kind, id)
}

// State returns the execution state.
func (c *Coordinator) State() model.ExecutionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionState returns the state of the current transport.
func (c *Coordinator) ConnectionState() model.ConnectionState {
	c.mu.Lock()
	tr := c.transport
	closed := c.closed
	c.mu.Unlock()

	if tr == nil {
		if closed {
			return model.ConnectionClosed
		}
		return model.ConnectionDisconnected
	}
	return tr.State()
}

// SessionID returns the id of the current session, or "" before the first connection.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Output returns the transcript of the current run.
func (c *Coordinator) Output() *buffer.Terminal {
	return c.output
}

// Connect opens the session's connection ahead of the first ExecuteCode.
// After the reconnect ceiling is reached it starts over with a new session.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &model.InvalidStateError{Op: "connect", State: "closed"}
	}
	tr, err := c.ensureTransportLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return tr.Connect(ctx)
}

// ExecuteCode runs code on the backend. If the connection is not open it is
// opened first; concurrent calls made while that attempt is outstanding
// share it and its result, so one socket is created and one Execute frame is
// sent. It returns a *model.InvalidStateError while a program is running.
// Cancelling ctx abandons the wait, not the execution.
func (c *Coordinator) ExecuteCode(ctx context.Context, code, language, fileID string) error {
	msg := protocol.Execute{Code: code, Language: language, FileID: fileID}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &model.InvalidStateError{Op: "execute", State: "closed"}
	}
	if cl := c.inflight; cl != nil {
		c.mu.Unlock()
		return cl.wait(ctx)
	}
	if c.state.Active() {
		state := c.state
		c.mu.Unlock()
		return &model.InvalidStateError{Op: "execute", State: state.String()}
	}

	tr, err := c.ensureTransportLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if tr.State() == model.ConnectionOpen {
		err := c.sendExecuteLocked(tr, msg)
		c.mu.Unlock()
		return err
	}

	cl := &call{done: make(chan struct{})}
	c.inflight = cl
	c.mu.Unlock()

	go c.connectAndExecute(tr, cl, msg)
	return cl.wait(ctx)
}

func (c *Coordinator) connectAndExecute(tr *transport.Transport, cl *call, msg protocol.Execute) {
	err := tr.Connect(context.Background())

	c.mu.Lock()
	if err == nil {
		switch {
		case c.closed || c.transport != tr:
			err = &model.CancelledError{Op: "execute"}
		case c.state.Active():
			err = &model.InvalidStateError{Op: "execute", State: c.state.String()}
		default:
			err = c.sendExecuteLocked(tr, msg)
		}
	}
	c.inflight = nil
	c.mu.Unlock()

	cl.err = err
	close(cl.done)
}

func (c *Coordinator) sendExecuteLocked(tr *transport.Transport, msg protocol.Execute) error {
	if err := tr.Send(msg); err != nil {
		return err
	}
	c.state = model.ExecutionRunning
	c.output.Clear()
	c.logger.Info("execution started", "session_id", c.sessionID, "language", msg.Language, "file_id", msg.FileID)
	return nil
}

// SendInput answers an input prompt with one line of text. It returns a
// *model.InvalidStateError, and sends nothing, unless the program is waiting
// for input.
func (c *Coordinator) SendInput(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != model.ExecutionWaitingForInput || c.transport == nil {
		return &model.InvalidStateError{Op: "send input", State: c.state.String()}
	}
	if err := c.transport.Send(protocol.Input{Text: text}); err != nil {
		return err
	}
	c.state = model.ExecutionRunning
	c.output.Append(buffer.LineInput, text+"\n")
	return nil
}

// TerminateExecution asks the backend to stop the running program. The
// state becomes Terminated only when the backend confirms.
func (c *Coordinator) TerminateExecution() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Active() || c.transport == nil {
		return &model.InvalidStateError{Op: "terminate", State: c.state.String()}
	}
	return c.transport.Send(protocol.Terminate{})
}

// Close ends the session: it requests termination of a running program,
// closes the connection, and cancels any connection attempt in progress.
// It does not block and is idempotent; the coordinator cannot be reused.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	tr := c.transport
	if tr != nil && c.state.Active() {
		if err := tr.Send(protocol.Terminate{}); err != nil {
			c.logger.Debug("terminate on close not sent", "session_id", c.sessionID, "error", err)
		}
	}
	c.mu.Unlock()

	if tr != nil {
		tr.Close(transport.DefaultCloseReason)
	}
}

// ensureTransportLocked returns the session's transport, creating a new
// session when there is none or the previous one gave up reconnecting.
func (c *Coordinator) ensureTransportLocked() (*transport.Transport, error) {
	if c.transport != nil && c.transport.State() != model.ConnectionFailed {
		return c.transport, nil
	}
	if c.transport != nil {
		c.transport.Close("")
	}

	id := NewSessionID()
	addr, err := Address(c.cfg.Host, c.cfg.Secure, id)
	if err != nil {
		return nil, err
	}

	l := &sessionListener{c: c}
	tr := transport.New(transport.Config{
		URL:            addr,
		SessionID:      id,
		ConnectTimeout: c.cfg.ConnectTimeout,
		Reconnect:      c.cfg.Reconnect,
		Header:         c.cfg.Header,
		WriteWait:      c.cfg.WriteWait,
		PongWait:       c.cfg.PongWait,
		PingPeriod:     c.cfg.PingPeriod,
		Logger:         c.logger,
		OnReconnect:    c.cfg.OnReconnect,
	}, c.dispatcher, l)
	l.tr = tr

	c.sessionID = id
	c.transport = tr
	c.state = model.ExecutionIdle
	c.logger.Debug("session created", "session_id", id)
	return tr, nil
}

// sessionListener routes transport callbacks to the coordinator, dropping
// those from a transport that has since been replaced.
type sessionListener struct {
	c  *Coordinator
	tr *transport.Transport
}

func (l *sessionListener) HandleMessage(msg protocol.Inbound) {
	l.c.handleMessage(l.tr, msg)
}

func (l *sessionListener) HandleDisconnect(abnormal bool) {
	l.c.handleDisconnect(l.tr, abnormal)
}

func (c *Coordinator) handleMessage(tr *transport.Transport, msg protocol.Inbound) {
	c.mu.Lock()
	if c.transport != tr {
		c.mu.Unlock()
		return
	}

	var ev events.Event
	switch m := msg.(type) {
	case protocol.Output:
		c.output.Append(buffer.LineOutput, m.Text)
		ev = events.Event{Kind: events.KindOutput, Text: m.Text}
	case protocol.ServerError:
		c.output.Append(buffer.LineError, m.Text)
		ev = events.Event{Kind: events.KindError, Text: m.Text, Err: &model.ServerError{Message: m.Text}}
	case protocol.InputPrompt:
		if !c.state.Active() {
			c.mu.Unlock()
			c.logger.Debug("ignoring input prompt with no running program", "session_id", c.sessionID)
			return
		}
		c.state = model.ExecutionWaitingForInput
		ev = events.Event{Kind: events.KindInputPrompt}
	case protocol.ExecutionComplete:
		c.state = model.ExecutionCompleted
		ev = events.Event{Kind: events.KindExecutionComplete, ExitCode: m.ExitCode}
	case protocol.ExecutionTerminated:
		c.state = model.ExecutionTerminated
		ev = events.Event{Kind: events.KindExecutionTerminated, Text: m.Reason}
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.dispatcher.Emit(ev)
}

func (c *Coordinator) handleDisconnect(tr *transport.Transport, abnormal bool) {
	c.mu.Lock()
	if c.transport != tr {
		c.mu.Unlock()
		return
	}
	wasActive := c.state.Active()
	if wasActive {
		c.state = model.ExecutionTerminated
	} else {
		c.state = model.ExecutionIdle
	}
	id := c.sessionID
	c.mu.Unlock()

	if !wasActive {
		return
	}
	reason := reasonSessionClosed
	if abnormal {
		reason = reasonConnectionLost
	}
	c.logger.Warn("execution interrupted", "session_id", id, "reason", reason)
	c.dispatcher.Emit(events.Event{Kind: events.KindExecutionTerminated, Text: reason})
}
