// Package runner starts submitted programs as child processes and streams
// their output line by line.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codeedit/execsession/internal/driver"
	"github.com/codeedit/execsession/internal/model"
)

const (
	// DefaultKillGrace is how long a terminated program may take to exit
	// before it is killed.
	DefaultKillGrace = time.Second

	// DefaultFallback is the language used for a blank or unregistered
	// name when the runner is built from DefaultLanguages.
	DefaultFallback = "python"

	// maxLineSize bounds a single forwarded line; longer lines are split.
	maxLineSize = 64 * 1024
)

// pythonInputHook replaces input() so that the program announces it is
// about to read stdin. It is installed as sitecustomize.py.
const pythonInputHook = `import builtins
import sys


def _input(prompt=""):
    sys.stdout.write(str(prompt) + "` + driver.InputMarker + `\n")
    sys.stdout.flush()
    line = sys.stdin.readline()
    if not line:
        raise EOFError("EOF when reading a line")
    return line.rstrip("\n")


builtins.input = _input
`

// Language describes how to run programs written in one language.
type Language struct {
	// Command and Args are invoked with the source file appended.
	Command string
	Args    []string

	// Ext is the source file extension, including the dot.
	Ext string

	// InputHook installs the python input() hook next to the source file.
	InputHook bool

	// Driver names the prompt driver used for the program's output.
	Driver string
}

// DefaultLanguages returns the languages a backend supports out of the box.
func DefaultLanguages(pythonBin, nodeBin string) map[string]Language {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	if nodeBin == "" {
		nodeBin = "node"
	}
	python := Language{Command: pythonBin, Args: []string{"-u"}, Ext: ".py", InputHook: true, Driver: driver.NameMarker}
	node := Language{Command: nodeBin, Ext: ".js", Driver: driver.NamePattern}
	return map[string]Language{
		"python":     python,
		"py":         python,
		"javascript": node,
		"js":         node,
	}
}

// Config configures a Runner.
type Config struct {
	// WorkDir is where per-run temp directories are created. Empty uses os.TempDir().
	WorkDir string

	Languages map[string]Language
	// Fallback names the language used when a request's language is blank
	// or unregistered. Empty rejects such requests.
	Fallback  string
	KillGrace time.Duration
}

// Runner starts programs.
type Runner struct {
	cfg Config
}

// New creates a runner. A nil Languages map uses DefaultLanguages with
// DefaultFallback.
func New(cfg Config) *Runner {
	if cfg.Languages == nil {
		cfg.Languages = DefaultLanguages("", "")
		if cfg.Fallback == "" {
			cfg.Fallback = DefaultFallback
		}
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	return &Runner{cfg: cfg}
}

// Lookup returns the language registered under name, case-insensitively.
// Blank and unregistered names resolve to the fallback language, if any.
func (r *Runner) Lookup(name string) (Language, bool) {
	if lang, ok := r.cfg.Languages[strings.ToLower(strings.TrimSpace(name))]; ok {
		return lang, true
	}
	if r.cfg.Fallback == "" {
		return Language{}, false
	}
	lang, ok := r.cfg.Languages[r.cfg.Fallback]
	return lang, ok
}

// Sink receives a program's output and exit. Stdout and Stderr are each
// called from their own goroutine; Exit is called once, after both streams
// are drained.
type Sink interface {
	Stdout(line string)
	Stderr(line string)
	Exit(code int, terminated bool)
}

// Process is a running program.
type Process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	dir       string
	killGrace time.Duration

	mu         sync.Mutex
	terminated bool
	exitCode   int
	done       chan struct{}
}

// Start writes code to a fresh temp directory and runs it. It returns
// model.ErrNoCode for blank code and model.ErrUnsupportedLanguage for a
// language Lookup cannot resolve.
func (r *Runner) Start(ctx context.Context, code, language string, sink Sink) (*Process, error) {
	if strings.TrimSpace(code) == "" {
		return nil, model.ErrNoCode
	}
	lang, ok := r.Lookup(language)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupportedLanguage, language)
	}

	dir, err := os.MkdirTemp(r.cfg.WorkDir, "exec-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	p, err := r.start(ctx, dir, code, lang, sink)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return p, nil
}

func (r *Runner) start(ctx context.Context, dir, code string, lang Language, sink Sink) (*Process, error) {
	src := filepath.Join(dir, "main"+lang.Ext)
	if err := os.WriteFile(src, []byte(code), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write source: %w", err)
	}

	env := os.Environ()
	if lang.InputHook {
		if err := os.WriteFile(filepath.Join(dir, "sitecustomize.py"), []byte(pythonInputHook), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write input hook: %w", err)
		}
		pythonPath := dir
		if existing := os.Getenv("PYTHONPATH"); existing != "" {
			pythonPath += string(os.PathListSeparator) + existing
		}
		env = append(env, "PYTHONPATH="+pythonPath, "PYTHONUNBUFFERED=1", "PYTHONIOENCODING=utf-8")
	}

	args := append(append([]string(nil), lang.Args...), src)
	cmd := exec.CommandContext(ctx, lang.Command, args...)
	cmd.Dir = dir
	cmd.Env = env
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd) }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", lang.Command, err)
	}

	p := &Process{
		cmd:       cmd,
		stdin:     stdin,
		dir:       dir,
		killGrace: r.cfg.KillGrace,
		done:      make(chan struct{}),
	}

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		readLines(stdout, sink.Stdout)
	}()
	go func() {
		defer streams.Done()
		readLines(stderr, sink.Stderr)
	}()
	go p.wait(&streams, sink)

	return p, nil
}

// wait reaps the process once both streams reach EOF.
func (p *Process) wait(streams *sync.WaitGroup, sink Sink) {
	streams.Wait()
	code := exitCode(p.cmd.Wait())
	os.RemoveAll(p.dir)

	p.mu.Lock()
	p.exitCode = code
	terminated := p.terminated
	p.mu.Unlock()
	close(p.done)

	sink.Exit(code, terminated)
}

// WriteLine writes text and a newline to the program's stdin.
func (p *Process) WriteLine(text string) error {
	select {
	case <-p.done:
		return model.ErrProcessNotFound
	default:
	}
	if _, err := io.WriteString(p.stdin, text+"\n"); err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	return nil
}

// Terminate asks the program's process group to exit, kills it if it is
// still running after the kill grace, and waits for it to be reaped.
func (p *Process) Terminate() error {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.terminated = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	p.stdin.Close()
	if err := terminateGroup(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		killGroup(p.cmd)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.killGrace):
	}

	if err := killGroup(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	<-p.done
	return nil
}

// Done is closed once the program has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code once Done is closed.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// PID returns the process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// readLines calls emit for each line read from r, terminator included. A
// final line without a terminator is emitted as is.
func readLines(r io.Reader, emit func(string)) {
	br := bufio.NewReaderSize(r, maxLineSize)
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			emit(strings.ToValidUTF8(string(line), "�"))
		}
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			return
		}
	}
}

// exitCode maps a Wait error to an exit code; -1 means killed by a signal
// or not waited on.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
