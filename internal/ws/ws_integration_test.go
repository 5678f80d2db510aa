package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codeedit/execsession/internal/db"
	"github.com/codeedit/execsession/internal/driver"
	"github.com/codeedit/execsession/internal/model"
	"github.com/codeedit/execsession/internal/protocol"
	"github.com/codeedit/execsession/internal/repository"
	"github.com/codeedit/execsession/internal/runner"
	"github.com/codeedit/execsession/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testBackend struct {
	server  *httptest.Server
	service *Service
	repo    *repository.SessionRepository
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell programs are not available on windows")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	repo := repository.NewSessionRepository(database)

	r := runner.New(runner.Config{
		WorkDir:   t.TempDir(),
		KillGrace: 200 * time.Millisecond,
		Languages: map[string]runner.Language{
			"sh": {Command: "sh", Ext: ".sh", Driver: driver.NameMarker},
		},
	})
	manager := session.NewManager(r, repo, session.Config{Logger: discardLogger()})
	service := NewService(manager, discardLogger())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := strings.Trim(strings.TrimPrefix(req.URL.Path, "/ws/code/"), "/")
		if err := service.Handler().HandleConnection(w, req, id); err != nil {
			t.Logf("HandleConnection error: %v", err)
		}
	}))

	t.Cleanup(func() {
		service.Close()
		server.Close()
		database.Close()
	})
	return &testBackend{server: server, service: service, repo: repo}
}

func (b *testBackend) url(id string) string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws/code/" + id + "/"
}

func (b *testBackend) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(b.url(id), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Inbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode(%s) error = %v", data, err)
	}
	return frame
}

func readUntil(t *testing.T, conn *websocket.Conn, kind string) []protocol.Inbound {
	t.Helper()
	var frames []protocol.Inbound
	for {
		f := readFrame(t, conn)
		frames = append(frames, f)
		if f.Type() == kind {
			return frames
		}
	}
}

func writeCommand(t *testing.T, conn *websocket.Conn, msg protocol.Outbound) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func TestHubClientManagement(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	client1 := NewClient(nil, "session-1", discardLogger())
	client2 := NewClient(nil, "session-1", discardLogger())
	client3 := NewClient(nil, "session-2", discardLogger())

	if err := hub.Register(client1); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := hub.Register(client2); !errors.Is(err, model.ErrSessionActive) {
		t.Errorf("expected ErrSessionActive for a second client, got %v", err)
	}
	hub.Register(client3)
	if hub.ClientCount() != 2 {
		t.Errorf("expected 2 clients, got %d", hub.ClientCount())
	}

	// Unregistering a client that never registered must not evict the owner.
	hub.Unregister(client2)
	if hub.Get("session-1") != client1 {
		t.Error("expected session-1 to keep its client")
	}

	hub.Unregister(client1)
	if !client1.IsClosed() || hub.Get("session-1") != nil {
		t.Error("expected client1 closed and removed")
	}

	hub.Close()
	if !client3.IsClosed() || hub.ClientCount() != 0 {
		t.Error("expected hub close to close remaining clients")
	}
}

func TestClientSendBufferOverflowClosesClient(t *testing.T) {
	client := NewClient(nil, "session-1", discardLogger())

	for i := 0; i < sendBufferSize; i++ {
		client.Send([]byte("x"))
	}
	if client.IsClosed() {
		t.Fatal("expected client open while the buffer has room")
	}
	client.Send([]byte("overflow"))
	if !client.IsClosed() {
		t.Fatal("expected client closed on overflow")
	}

	code, text := decodeClose(client.closeMessage())
	if code != websocket.CloseTryAgainLater || text == "" {
		t.Errorf("unexpected close frame %d %q", code, text)
	}
	client.Send([]byte("after close"))
}

func decodeClose(payload []byte) (int, string) {
	if len(payload) < 2 {
		return 0, ""
	}
	return int(payload[0])<<8 | int(payload[1]), string(payload[2:])
}

func TestConnectionEstablished(t *testing.T) {
	backend := newTestBackend(t)
	conn := backend.dial(t, "session_abc")

	frame, ok := readFrame(t, conn).(protocol.ConnectionEstablished)
	if !ok || frame.SessionID != "session_abc" {
		t.Fatalf("expected connection_established for session_abc, got %#v", frame)
	}
	if !backend.service.IsSessionConnected("session_abc") {
		t.Error("expected session connected")
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	backend := newTestBackend(t)
	conn := backend.dial(t, "session_run")
	readFrame(t, conn)

	code := "echo start\nprintf 'Name? " + driver.InputMarker + "\\n'\nread x\necho hi $x\necho warn 1>&2\nexit 2\n"
	writeCommand(t, conn, protocol.Execute{Code: code, Language: "sh", FileID: "7"})

	frames := readUntil(t, conn, protocol.TypeInputPrompt)
	var out strings.Builder
	for _, f := range frames {
		if o, ok := f.(protocol.Output); ok {
			out.WriteString(o.Text)
		}
	}
	if out.String() != "start\nName? " {
		t.Errorf("unexpected output before prompt %q", out.String())
	}

	writeCommand(t, conn, protocol.Input{Text: "ada"})
	frames = readUntil(t, conn, protocol.TypeExecutionComplete)

	var stdout, stderr strings.Builder
	for _, f := range frames {
		switch m := f.(type) {
		case protocol.Output:
			stdout.WriteString(m.Text)
		case protocol.ServerError:
			stderr.WriteString(m.Text)
		}
	}
	if stdout.String() != "hi ada\n" || stderr.String() != "warn\n" {
		t.Errorf("unexpected stdout %q stderr %q", stdout.String(), stderr.String())
	}
	if done := frames[len(frames)-1].(protocol.ExecutionComplete); done.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %d", done.ExitCode)
	}
}

func TestTerminateCommand(t *testing.T) {
	backend := newTestBackend(t)
	conn := backend.dial(t, "session_stop")
	readFrame(t, conn)

	writeCommand(t, conn, protocol.Execute{Code: "echo ready\nsleep 30\n", Language: "sh"})
	readUntil(t, conn, protocol.TypeOutput)

	writeCommand(t, conn, protocol.Terminate{})
	frames := readUntil(t, conn, protocol.TypeExecutionTerminated)
	if term := frames[len(frames)-1].(protocol.ExecutionTerminated); term.Reason != "Execution terminated" {
		t.Errorf("unexpected reason %q", term.Reason)
	}
}

func TestInvalidAndUnknownFrames(t *testing.T) {
	backend := newTestBackend(t)
	conn := backend.dial(t, "session_bad")
	readFrame(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	if e, ok := readFrame(t, conn).(protocol.ServerError); !ok || e.Text != invalidJSONText {
		t.Fatalf("expected invalid JSON error frame, got %#v", e)
	}

	// Unknown types are ignored; the next reply belongs to the execute.
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","rows":24}`))
	writeCommand(t, conn, protocol.Execute{Code: "echo ok\n", Language: "sh"})

	if o, ok := readFrame(t, conn).(protocol.Output); !ok || o.Text != "ok\n" {
		t.Fatalf("expected output after unknown frame, got %#v", o)
	}
}

func TestSecondConnectionRejected(t *testing.T) {
	backend := newTestBackend(t)
	conn := backend.dial(t, "session_dup")
	readFrame(t, conn)

	_, resp, err := websocket.DefaultDialer.Dial(backend.url("session_dup"), nil)
	if err == nil {
		t.Fatal("expected second dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %v", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(backend.url("bad-id"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid id, got %v, %v", resp, err)
	}
}

func TestDisconnectRecordsCloseCode(t *testing.T) {
	backend := newTestBackend(t)
	conn := backend.dial(t, "session_bye")
	readFrame(t, conn)

	writeCommand(t, conn, protocol.Execute{Code: "echo ready\nsleep 30\n", Language: "sh"})
	readUntil(t, conn, protocol.TypeOutput)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		s, err := backend.repo.GetByID(context.Background(), "session_bye")
		if err == nil && s.Status == model.SessionStatusDisconnected {
			if s.CloseCode == nil || *s.CloseCode != websocket.CloseNormalClosure {
				t.Errorf("expected close code 1000, got %v", s.CloseCode)
			}
			if backend.service.IsSessionConnected("session_bye") {
				t.Error("expected client removed from hub")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session was never marked disconnected")
}
