package transport

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/codeedit/execsession/internal/events"
	"github.com/codeedit/execsession/internal/protocol"
)

// readPump decodes frames from the socket in arrival order until the socket
// fails or closes.
func (t *Transport) readPump(l *link) {
	conn := l.conn
	conn.SetReadLimit(t.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.linkEnded(l, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		t.handleFrame(l, data)
	}
}

func (t *Transport) handleFrame(l *link, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		if !t.current(l.gen) {
			return
		}
		t.logger.Warn("dropping undecodable frame", "error", err)
		t.dispatcher.Emit(events.Event{Kind: events.KindError, Text: err.Error(), Err: err})
		return
	}

	switch m := msg.(type) {
	case protocol.ConnectionEstablished:
		t.established(l.gen, m.SessionID)
	case protocol.Unknown:
		t.logger.Debug("ignoring frame of unknown type", "type", m.Kind)
	default:
		if t.current(l.gen) {
			t.listener.HandleMessage(msg)
		}
	}
}

// writePump is the only writer on the socket. It sends queued frames and
// keepalive pings, and writes the close frame once the queue is closed.
func (t *Transport) writePump(l *link) {
	ticker := time.NewTicker(t.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case data, ok := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if !ok {
				msg := websocket.FormatCloseMessage(l.closeCode, l.closeReason)
				if err := l.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
					t.logger.Debug("close frame not sent", "error", err)
				}
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Warn("write failed", "error", err)
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
