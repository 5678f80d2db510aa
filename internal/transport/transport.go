// Package transport owns the socket of one execution session and its
// connection state machine.
//
// A connection attempt succeeds only when the backend sends its
// connection_established frame, not when the socket opens. Abnormal closures
// are retried according to a reconnect.Policy; the caller's own Close, or a
// peer close with IntentionalCloseCode, is final.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codeedit/execsession/internal/events"
	"github.com/codeedit/execsession/internal/model"
	"github.com/codeedit/execsession/internal/protocol"
	"github.com/codeedit/execsession/internal/reconnect"
)

const (
	// IntentionalCloseCode marks a caller-initiated close. Any other close
	// code, or a connection lost without a close frame, is abnormal.
	IntentionalCloseCode = websocket.CloseNormalClosure

	// DefaultCloseReason is sent with IntentionalCloseCode when Close is given no reason.
	DefaultCloseReason = "client closed session"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 1 << 20
	defaultSendBuffer     = 64
	defaultCloseGrace     = 2 * time.Second
)

var errSendBufferFull = errors.New("send buffer full")

// Config configures a Transport.
type Config struct {
	// URL is the full socket address, e.g. ws://host/ws/code/<session>/.
	URL string

	// SessionID is attached to log records and connectionEstablished
	// events when the backend does not echo one.
	SessionID string

	ConnectTimeout time.Duration
	Reconnect      reconnect.Config
	Header         http.Header
	Dialer         *websocket.Dialer

	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration // must be less than PongWait
	MaxMessageSize int64
	SendBuffer     int

	// CloseGrace bounds how long a closing socket may linger before it is
	// torn down without waiting for the writer.
	CloseGrace time.Duration

	Logger *slog.Logger

	// OnReconnect is called each time an automatic reconnection is scheduled.
	OnReconnect func(attempt int, delay time.Duration)
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = defaultCloseGrace
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.ConnectTimeout,
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Listener receives decoded backend frames and connection loss. Calls are
// made from the transport's reader goroutine, in frame order, never while
// the transport holds its lock.
type Listener interface {
	HandleMessage(msg protocol.Inbound)

	// HandleDisconnect is called once each time an open connection is lost
	// or closed. abnormal is false for intentional closes.
	HandleDisconnect(abnormal bool)
}

type nopListener struct{}

func (nopListener) HandleMessage(protocol.Inbound) {}
func (nopListener) HandleDisconnect(bool)          {}

// link is one socket and its writer queue.
type link struct {
	conn        *websocket.Conn
	send        chan []byte
	gen         uint64
	sendClosed  bool
	closeCode   int
	closeReason string
}

// Transport manages exactly one socket at a time for one session.
type Transport struct {
	cfg        Config
	dispatcher *events.Dispatcher
	listener   Listener
	logger     *slog.Logger

	mu     sync.Mutex
	state  model.ConnectionState
	policy *reconnect.Policy

	// gen identifies the current connection attempt; callbacks carrying an
	// older generation are ignored.
	gen            uint64
	link           *link
	pending        *pending
	cancelDial     context.CancelFunc
	connectTimer   *time.Timer
	reconnectTimer *time.Timer
	retrying       bool
	closed         bool
	finished       bool
	done           chan struct{}
}

// New creates a disconnected transport. Events are emitted on d; frames
// other than connection_established are passed to l, which may be nil.
func New(cfg Config, d *events.Dispatcher, l Listener) *Transport {
	cfg = cfg.withDefaults()
	if l == nil {
		l = nopListener{}
	}
	if d == nil {
		d = events.NewDispatcher(cfg.Logger)
	}
	return &Transport{
		cfg:        cfg,
		dispatcher: d,
		listener:   l,
		logger:     cfg.Logger.With("session_id", cfg.SessionID),
		state:      model.ConnectionDisconnected,
		policy:     reconnect.New(cfg.Reconnect),
		done:       make(chan struct{}),
	}
}

// State returns the current connection state.
func (t *Transport) State() model.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attempts returns the reconnection attempts made since the last confirmed connection.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy.Attempts()
}

// Done is closed once the transport has been closed and its socket released.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Connect opens the socket, or joins the attempt already in progress, and
// returns once the backend confirms the session. It returns a
// *model.ConnectionTimeoutError if no confirmation arrives within
// ConnectTimeout, a *model.ConnectionError if the socket fails, and a
// *model.CancelledError if Close is called first. Cancelling ctx abandons
// the wait but not the attempt.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return &model.CancelledError{Op: "connect"}
	}
	if t.state == model.ConnectionOpen {
		t.mu.Unlock()
		return nil
	}
	p := t.pending
	if p == nil {
		p = t.startLocked()
	}
	t.mu.Unlock()

	return p.wait(ctx)
}

// startLocked begins a new connection attempt. t.mu must be held.
func (t *Transport) startLocked() *pending {
	stopTimer(&t.reconnectTimer)

	t.gen++
	gen := t.gen
	p := newPending()
	t.pending = p
	t.setStateLocked(model.ConnectionConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ConnectTimeout)
	t.cancelDial = cancel
	t.connectTimer = time.AfterFunc(t.cfg.ConnectTimeout, func() {
		t.lost(gen, &model.ConnectionTimeoutError{Timeout: t.cfg.ConnectTimeout}, true)
	})

	go t.dial(ctx, gen)
	return p
}

func (t *Transport) dial(ctx context.Context, gen uint64) {
	conn, resp, err := t.cfg.Dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		cause := &model.ConnectionError{Op: "dial", Err: err}
		if resp != nil {
			cause.Code = resp.StatusCode
			cause.Reason = http.StatusText(resp.StatusCode)
		}
		t.lost(gen, cause, true)
		return
	}

	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		conn.Close()
		return
	}
	l := &link{
		conn: conn,
		send: make(chan []byte, t.cfg.SendBuffer),
		gen:  gen,
	}
	t.link = l
	t.mu.Unlock()

	t.logger.Debug("socket open, awaiting confirmation", "url", t.cfg.URL)

	go t.writePump(l)
	go t.readPump(l)
}

// established resolves the pending attempt for gen.
func (t *Transport) established(gen uint64, sessionID string) {
	t.mu.Lock()
	if t.closed || gen != t.gen || t.state != model.ConnectionConnecting {
		t.mu.Unlock()
		return
	}
	stopTimer(&t.connectTimer)
	t.cancelDialLocked()
	t.setStateLocked(model.ConnectionOpen)
	t.policy.Reset()
	t.retrying = false
	p := t.pending
	t.pending = nil
	t.mu.Unlock()

	if p != nil {
		p.settle(nil)
	}

	if sessionID == "" {
		sessionID = t.cfg.SessionID
	}
	t.logger.Info("session established")
	t.dispatcher.Emit(events.Event{Kind: events.KindConnectionEstablished, SessionID: sessionID})
}

// lost tears down the attempt or connection identified by gen and decides
// what comes next: a scheduled reconnection, the Error state, or Closed.
func (t *Transport) lost(gen uint64, cause error, abnormal bool) {
	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.gen++
	prev := t.state

	stopTimer(&t.connectTimer)
	t.cancelDialLocked()
	if t.link != nil {
		t.closeLinkLocked(t.link, websocket.CloseNormalClosure, "")
		t.link = nil
	}
	p := t.pending
	t.pending = nil

	var (
		delay     time.Duration
		attempt   int
		scheduled bool
	)
	if t.retrying || (abnormal && prev == model.ConnectionOpen) {
		if d, ok := t.policy.Next(); ok {
			delay, attempt, scheduled = d, t.policy.Attempts(), true
			t.retrying = true
			t.setStateLocked(model.ConnectionClosed)
			next := t.gen
			t.reconnectTimer = time.AfterFunc(d, func() { t.reconnect(next) })
		} else {
			t.retrying = false
			t.setStateLocked(model.ConnectionFailed)
		}
	} else if prev == model.ConnectionConnecting {
		t.setStateLocked(model.ConnectionFailed)
	} else {
		t.setStateLocked(model.ConnectionClosed)
	}
	state := t.state
	t.mu.Unlock()

	if p != nil {
		p.settle(cause)
	}

	if abnormal {
		t.logger.Warn("connection lost", "state", state.String(), "error", cause)
	} else {
		t.logger.Info("connection closed by peer", "state", state.String())
	}

	if prev == model.ConnectionOpen {
		t.listener.HandleDisconnect(abnormal)
	}
	if abnormal {
		t.dispatcher.Emit(events.Event{Kind: events.KindSocketError, Text: cause.Error(), Err: cause})
	}

	if scheduled {
		t.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
		if t.cfg.OnReconnect != nil {
			t.cfg.OnReconnect(attempt, delay)
		}
	} else if state == model.ConnectionFailed && t.Attempts() > 0 {
		t.logger.Warn("reconnect attempts exhausted", "attempt", t.Attempts())
	}
}

func (t *Transport) reconnect(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || gen != t.gen || t.state != model.ConnectionClosed {
		return
	}
	t.reconnectTimer = nil
	t.startLocked()
}

// Send encodes msg and queues it for the writer. It returns a
// *model.InvalidStateError unless the connection is open.
func (t *Transport) Send(msg protocol.Outbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != model.ConnectionOpen || t.link == nil {
		return &model.InvalidStateError{Op: "send " + msg.Type(), State: t.state.String()}
	}

	select {
	case t.link.send <- data:
		return nil
	default:
		return &model.ConnectionError{Op: "send", Err: errSendBufferFull}
	}
}

// Close performs a graceful close with IntentionalCloseCode, cancels any
// pending attempt with a *model.CancelledError and any scheduled
// reconnection. It does not block and is idempotent; the transport cannot
// be reused afterwards.
func (t *Transport) Close(reason string) {
	if reason == "" {
		reason = DefaultCloseReason
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.retrying = false
	stopTimer(&t.connectTimer)
	stopTimer(&t.reconnectTimer)
	t.cancelDialLocked()

	p := t.pending
	t.pending = nil
	wasOpen := t.state == model.ConnectionOpen

	if l := t.link; l != nil {
		t.setStateLocked(model.ConnectionClosing)
		t.closeLinkLocked(l, IntentionalCloseCode, reason)
		time.AfterFunc(t.cfg.CloseGrace, func() { l.conn.Close() })
	} else {
		t.setStateLocked(model.ConnectionClosed)
		t.finishLocked()
	}
	t.mu.Unlock()

	if p != nil {
		p.settle(&model.CancelledError{Op: "connect"})
	}
	t.logger.Info("closing session", "reason", reason)

	if wasOpen {
		t.listener.HandleDisconnect(false)
	}
}

// linkEnded is called by the reader once its socket fails or closes.
func (t *Transport) linkEnded(l *link, err error) {
	t.mu.Lock()
	if t.link != l {
		t.mu.Unlock()
		return
	}
	if t.closed {
		t.link = nil
		t.setStateLocked(model.ConnectionClosed)
		t.finishLocked()
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	abnormal := true
	cause := &model.ConnectionError{Op: "read", Err: err}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		cause.Code = ce.Code
		cause.Reason = ce.Text
		abnormal = ce.Code != IntentionalCloseCode
	}
	t.lost(l.gen, cause, abnormal)
}

// current reports whether frames from gen should still be delivered.
func (t *Transport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && gen == t.gen
}

// closeLinkLocked asks the writer to send a close frame and exit.
func (t *Transport) closeLinkLocked(l *link, code int, reason string) {
	if l.sendClosed {
		return
	}
	l.sendClosed = true
	l.closeCode = code
	l.closeReason = reason
	close(l.send)
}

func (t *Transport) cancelDialLocked() {
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}
}

func (t *Transport) finishLocked() {
	if !t.finished {
		t.finished = true
		close(t.done)
	}
}

func (t *Transport) setStateLocked(s model.ConnectionState) {
	if t.state == s {
		return
	}
	t.logger.Debug("connection state", "from", t.state.String(), "state", s.String())
	t.state = s
}

func stopTimer(tp **time.Timer) {
	if *tp != nil {
		(*tp).Stop()
		*tp = nil
	}
}
