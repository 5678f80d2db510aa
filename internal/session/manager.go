// Package session keeps the backend's runtime state for each connected
// execution session: the program it is running and the prompt driver
// reading that program's output.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/codeedit/execsession/internal/driver"
	"github.com/codeedit/execsession/internal/model"
	"github.com/codeedit/execsession/internal/protocol"
	"github.com/codeedit/execsession/internal/repository"
	"github.com/codeedit/execsession/internal/runner"
)

// DefaultMaxSessions bounds the number of concurrently connected sessions.
const DefaultMaxSessions = 100

const terminatedReason = "Execution terminated"

// Sender delivers a frame to the session's client. It must not block.
type Sender func(protocol.Inbound)

// Manager manages connected execution sessions.
type Manager struct {
	runner *runner.Runner
	repo   *repository.SessionRepository
	logger *slog.Logger

	maxSessions int

	mu       sync.RWMutex
	sessions map[string]*SessionContext
}

// SessionContext holds the runtime context for a session.
type SessionContext struct {
	Session *model.Session

	send   Sender
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	process *runner.Process
	driver  driver.PromptDriver
	run     uint64
	runID   string
	closed  bool
}

// Config holds configuration for the session manager.
type Config struct {
	MaxSessions int
	Logger      *slog.Logger
}

// NewManager creates a new session manager. repo may be nil, in which case
// the session ledger is not kept.
func NewManager(r *runner.Runner, repo *repository.SessionRepository, config Config) *Manager {
	if config.MaxSessions == 0 {
		config.MaxSessions = DefaultMaxSessions
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Manager{
		runner:      r,
		repo:        repo,
		logger:      config.Logger,
		maxSessions: config.MaxSessions,
		sessions:    make(map[string]*SessionContext),
	}
}

// Open registers a connection for session id. Frames for the session are
// delivered through send until Close.
func (m *Manager) Open(ctx context.Context, id, remoteAddr string, send Sender) (*model.Session, error) {
	if !model.ValidSessionID(id) {
		return nil, fmt.Errorf("invalid session id %q", id)
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, model.ErrSessionActive
	}
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, model.ErrSessionLimit
	}

	session := &model.Session{
		ID:         id,
		RemoteAddr: remoteAddr,
		Status:     model.SessionStatusConnected,
	}
	sc := &SessionContext{Session: session, send: send}
	sc.ctx, sc.cancel = context.WithCancel(context.Background())
	m.sessions[id] = sc
	m.mu.Unlock()

	if m.repo != nil {
		if err := m.repo.MarkConnected(ctx, id, remoteAddr); err != nil {
			m.remove(id, sc)
			sc.cancel()
			return nil, fmt.Errorf("failed to persist session: %w", err)
		}
		if stored, err := m.repo.GetByID(ctx, id); err == nil {
			sc.mu.Lock()
			sc.Session = stored
			sc.mu.Unlock()
			session = stored
		}
	}

	m.logger.Info("session opened", "session", id, "remote", remoteAddr)
	return session, nil
}

// GetContext retrieves the runtime context for a connected session.
func (m *Manager) GetContext(id string) (*SessionContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.sessions[id]
	return sc, ok
}

// Get retrieves a session from the ledger.
func (m *Manager) Get(ctx context.Context, id string) (*model.Session, error) {
	if m.repo == nil {
		if sc, ok := m.GetContext(id); ok {
			sc.mu.Lock()
			defer sc.mu.Unlock()
			return sc.Session, nil
		}
		return nil, model.ErrSessionNotFound
	}
	return m.repo.GetByID(ctx, id)
}

// List lists sessions from the ledger.
func (m *Manager) List(ctx context.Context, status model.SessionStatus, limit int) ([]*model.Session, error) {
	if m.repo == nil {
		return nil, nil
	}
	return m.repo.List(ctx, status, limit)
}

// Delete removes a disconnected session from the ledger.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, ok := m.GetContext(id); ok {
		return model.ErrSessionActive
	}
	if m.repo == nil {
		return model.ErrSessionNotFound
	}
	return m.repo.Delete(ctx, id)
}

// ActiveCount returns the number of connected sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// IsRunning reports whether session id has a program running.
func (m *Manager) IsRunning(id string) bool {
	sc, ok := m.GetContext(id)
	if !ok {
		return false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.process != nil
}

// Execute starts a program for session id. Setup failures are reported to
// the client as an error frame followed by execution_complete with -1.
func (m *Manager) Execute(id string, req protocol.Execute) error {
	sc, ok := m.GetContext(id)
	if !ok {
		return model.ErrSessionNotFound
	}

	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return model.ErrSessionNotFound
	}
	if sc.process != nil {
		sc.mu.Unlock()
		sc.send(protocol.ServerError{Text: "Execution already in progress"})
		return model.ErrExecutionActive
	}

	drv := m.driverFor(req.Language)
	runID := uuid.NewString()
	sc.run++
	sc.driver = drv
	sink := &runSink{sc: sc, run: sc.run, logger: m.logger.With("session", id, "run", runID)}

	p, err := m.runner.Start(sc.ctx, req.Code, req.Language, sink)
	if err != nil {
		sc.mu.Unlock()
		m.logger.Warn("execution setup failed", "session", id, "language", req.Language, "error", err)
		sc.send(protocol.ServerError{Text: setupErrorText(err, req.Language)})
		sc.send(protocol.ExecutionComplete{ExitCode: -1})
		return err
	}
	sc.process = p
	sc.runID = runID
	sc.mu.Unlock()

	sink.logger.Info("execution started", "language", req.Language, "file", req.FileID, "pid", p.PID())
	return nil
}

// CurrentRun returns the id of the program session id is running, if any.
// Every execute gets a fresh id, which also tags its log records.
func (m *Manager) CurrentRun(id string) (string, bool) {
	sc, ok := m.GetContext(id)
	if !ok {
		return "", false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.process == nil {
		return "", false
	}
	return sc.runID, true
}

// Input writes one line to the running program's stdin.
func (m *Manager) Input(id, text string) error {
	sc, ok := m.GetContext(id)
	if !ok {
		return model.ErrSessionNotFound
	}

	sc.mu.Lock()
	p := sc.process
	if p != nil && sc.driver != nil {
		sc.driver.Reset()
	}
	sc.mu.Unlock()

	if p == nil {
		sc.send(protocol.ServerError{Text: "No process running to receive input"})
		return model.ErrProcessNotFound
	}
	if err := p.WriteLine(text); err != nil {
		sc.send(protocol.ServerError{Text: fmt.Sprintf("Error sending input: %v", err)})
		return err
	}
	return nil
}

// Terminate stops the running program. The client is told through an
// execution_terminated frame once the program has exited.
func (m *Manager) Terminate(id string) error {
	sc, ok := m.GetContext(id)
	if !ok {
		return model.ErrSessionNotFound
	}

	sc.mu.Lock()
	p := sc.process
	sc.mu.Unlock()
	if p == nil {
		return model.ErrProcessNotFound
	}

	go func() {
		if err := p.Terminate(); err != nil {
			m.logger.Error("failed to terminate program", "session", id, "pid", p.PID(), "error", err)
		}
	}()
	return nil
}

// Close ends session id: its program is terminated and the ledger records
// closeCode.
func (m *Manager) Close(ctx context.Context, id string, closeCode int) error {
	m.mu.Lock()
	sc, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return model.ErrSessionNotFound
	}

	m.shutdown(sc)

	if m.repo != nil {
		if err := m.repo.MarkDisconnected(ctx, id, closeCode); err != nil {
			return fmt.Errorf("failed to record disconnect: %w", err)
		}
	}

	m.logger.Info("session closed", "session", id, "code", closeCode)
	return nil
}

// Shutdown terminates every running program. Sessions stay registered so
// that their connections can still be closed normally.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	contexts := make([]*SessionContext, 0, len(m.sessions))
	for _, sc := range m.sessions {
		contexts = append(contexts, sc)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sc := range contexts {
		sc.mu.Lock()
		p := sc.process
		sc.mu.Unlock()
		if p == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Terminate()
		}()
	}
	wg.Wait()
}

func (m *Manager) shutdown(sc *SessionContext) {
	sc.mu.Lock()
	sc.closed = true
	p := sc.process
	sc.mu.Unlock()

	if p != nil {
		if err := p.Terminate(); err != nil {
			m.logger.Error("failed to terminate program on close", "pid", p.PID(), "error", err)
		}
	}
	sc.cancel()
}

func (m *Manager) remove(id string, sc *SessionContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id] == sc {
		delete(m.sessions, id)
	}
}

// driverFor picks the prompt driver configured for language.
func (m *Manager) driverFor(language string) driver.PromptDriver {
	name := driver.NameGeneric
	if lang, ok := m.runner.Lookup(language); ok {
		name = lang.Driver
	}
	drv, err := driver.New(name)
	if err != nil {
		m.logger.Warn("unknown prompt driver, using generic", "driver", name, "error", err)
		return driver.NewGenericDriver()
	}
	return drv
}

func setupErrorText(err error, language string) string {
	switch {
	case errors.Is(err, model.ErrNoCode):
		return "No code provided"
	case errors.Is(err, model.ErrUnsupportedLanguage):
		return fmt.Sprintf("Unsupported language: %s", language)
	default:
		return fmt.Sprintf("Error preparing execution: %v", err)
	}
}

// runSink turns one program's output into frames. Frames from a run that
// is no longer current, or from a closed session, are dropped.
type runSink struct {
	sc     *SessionContext
	run    uint64
	logger *slog.Logger
}

func (s *runSink) Stdout(line string) {
	s.sc.mu.Lock()
	if s.sc.closed || s.sc.run != s.run || s.sc.driver == nil {
		s.sc.mu.Unlock()
		return
	}
	result := s.sc.driver.Parse(line)
	s.sc.mu.Unlock()

	if result.Output != "" {
		s.sc.send(protocol.Output{Text: result.Output})
	}
	if result.InputPrompt {
		s.sc.send(protocol.InputPrompt{})
	}
}

func (s *runSink) Stderr(line string) {
	if !s.current() {
		return
	}
	s.sc.send(protocol.ServerError{Text: line})
}

func (s *runSink) Exit(code int, terminated bool) {
	s.sc.mu.Lock()
	if s.sc.run == s.run {
		s.sc.process = nil
		s.sc.driver = nil
		s.sc.runID = ""
	}
	closed := s.sc.closed
	s.sc.mu.Unlock()

	s.logger.Debug("execution finished", "code", code, "terminated", terminated)
	if closed {
		return
	}

	if terminated {
		s.sc.send(protocol.ExecutionTerminated{Reason: terminatedReason})
		return
	}
	s.sc.send(protocol.ExecutionComplete{ExitCode: code})
}

func (s *runSink) current() bool {
	s.sc.mu.Lock()
	defer s.sc.mu.Unlock()
	return !s.sc.closed && s.sc.run == s.run
}
