package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codeedit/execsession/internal/driver"
	"github.com/codeedit/execsession/internal/model"
)

type exitResult struct {
	code       int
	terminated bool
}

type sinkRecorder struct {
	mu     sync.Mutex
	stdout []string
	stderr []string
	exit   chan exitResult
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{exit: make(chan exitResult, 1)}
}

func (s *sinkRecorder) Stdout(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stdout = append(s.stdout, line)
}

func (s *sinkRecorder) Stderr(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stderr = append(s.stderr, line)
}

func (s *sinkRecorder) Exit(code int, terminated bool) {
	s.exit <- exitResult{code: code, terminated: terminated}
}

func (s *sinkRecorder) wait(t *testing.T) exitResult {
	t.Helper()
	select {
	case r := <-s.exit:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("program did not exit")
		return exitResult{}
	}
}

func (s *sinkRecorder) lines() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stdout...), append([]string(nil), s.stderr...)
}

func newShellRunner(t *testing.T) *Runner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell programs are not available on windows")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
	return New(Config{
		WorkDir:   t.TempDir(),
		KillGrace: 200 * time.Millisecond,
		Languages: map[string]Language{
			"sh": {Command: "sh", Ext: ".sh", Driver: driver.NameGeneric},
		},
	})
}

func TestStart_StreamsOutputAndExitCode(t *testing.T) {
	r := newShellRunner(t)
	sink := newSinkRecorder()

	p, err := r.Start(context.Background(), "echo hello\necho oops 1>&2\nprintf tail\nexit 3\n", "sh", sink)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	res := sink.wait(t)
	if res.code != 3 || res.terminated {
		t.Errorf("expected exit 3 not terminated, got %+v", res)
	}
	if p.ExitCode() != 3 {
		t.Errorf("expected ExitCode() 3, got %d", p.ExitCode())
	}

	stdout, stderr := sink.lines()
	if strings.Join(stdout, "") != "hello\ntail" {
		t.Errorf("unexpected stdout %q", stdout)
	}
	if len(stdout) != 2 || stdout[0] != "hello\n" {
		t.Errorf("expected line-by-line stdout, got %q", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "oops\n" {
		t.Errorf("unexpected stderr %q", stderr)
	}

	<-p.Done()
	if _, err := os.Stat(p.dir); !os.IsNotExist(err) {
		t.Errorf("expected work dir removed, stat err = %v", err)
	}
}

func TestProcess_WriteLine(t *testing.T) {
	r := newShellRunner(t)
	sink := newSinkRecorder()

	p, err := r.Start(context.Background(), "read x\necho got $x\n", "SH", sink)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.WriteLine("5"); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}

	if res := sink.wait(t); res.code != 0 {
		t.Errorf("expected exit 0, got %+v", res)
	}
	stdout, _ := sink.lines()
	if len(stdout) != 1 || stdout[0] != "got 5\n" {
		t.Errorf("unexpected stdout %q", stdout)
	}
	if err := p.WriteLine("late"); !errors.Is(err, model.ErrProcessNotFound) {
		t.Errorf("expected ErrProcessNotFound after exit, got %v", err)
	}
}

func TestProcess_Terminate(t *testing.T) {
	r := newShellRunner(t)
	sink := newSinkRecorder()

	p, err := r.Start(context.Background(), "echo started\nsleep 30\n", "sh", sink)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start := time.Now()
	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("terminate took %v", elapsed)
	}

	res := sink.wait(t)
	if !res.terminated {
		t.Errorf("expected terminated exit, got %+v", res)
	}
	if err := p.Terminate(); err != nil {
		t.Errorf("second Terminate() error = %v", err)
	}
}

func TestProcess_TerminateKillsAfterGrace(t *testing.T) {
	r := newShellRunner(t)
	sink := newSinkRecorder()

	p, err := r.Start(context.Background(), "trap '' TERM\nsleep 30\n", "sh", sink)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if res := sink.wait(t); !res.terminated || res.code != -1 {
		t.Errorf("expected killed program, got %+v", res)
	}
}

func TestLookup_Fallback(t *testing.T) {
	r := New(Config{})

	python, _ := r.Lookup("python")
	node, _ := r.Lookup("js")
	tests := []struct {
		name string
		want Language
	}{
		{"", python},
		{"   ", python},
		{"Python", python},
		{"ruby", python},
		{"JavaScript", node},
		{" js ", node},
	}
	for _, tt := range tests {
		got, ok := r.Lookup(tt.name)
		if !ok {
			t.Errorf("Lookup(%q) found nothing", tt.name)
			continue
		}
		if got.Ext != tt.want.Ext || got.Command != tt.want.Command {
			t.Errorf("Lookup(%q) = %s%s, want %s%s", tt.name, got.Command, got.Ext, tt.want.Command, tt.want.Ext)
		}
	}
}

func TestLookup_NoFallback(t *testing.T) {
	r := New(Config{Languages: DefaultLanguages("", "")})
	if _, ok := r.Lookup(""); ok {
		t.Error("expected blank language to be unresolved without a fallback")
	}
	if _, ok := r.Lookup("ruby"); ok {
		t.Error("expected ruby to be unresolved without a fallback")
	}
}

func TestStart_FallbackLanguage(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell programs are not available on windows")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
	r := New(Config{
		WorkDir:   t.TempDir(),
		KillGrace: 200 * time.Millisecond,
		Languages: map[string]Language{
			"sh": {Command: "sh", Ext: ".sh", Driver: driver.NameGeneric},
		},
		Fallback: "sh",
	})

	for _, language := range []string{"", "ruby"} {
		sink := newSinkRecorder()
		if _, err := r.Start(context.Background(), "echo fell back\n", language, sink); err != nil {
			t.Fatalf("Start(%q) error = %v", language, err)
		}
		if res := sink.wait(t); res.code != 0 {
			t.Errorf("Start(%q) exit code = %d, want 0", language, res.code)
		}
		sink.mu.Lock()
		got := strings.Join(sink.stdout, "\n")
		sink.mu.Unlock()
		if got != "fell back" {
			t.Errorf("Start(%q) stdout = %q, want %q", language, got, "fell back")
		}
	}
}

func TestStart_Rejections(t *testing.T) {
	r := newShellRunner(t)

	if _, err := r.Start(context.Background(), "  \n\t", "sh", newSinkRecorder()); !errors.Is(err, model.ErrNoCode) {
		t.Errorf("expected ErrNoCode, got %v", err)
	}
	if _, err := r.Start(context.Background(), "puts 1", "ruby", newSinkRecorder()); !errors.Is(err, model.ErrUnsupportedLanguage) {
		t.Errorf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestDefaultLanguages(t *testing.T) {
	langs := DefaultLanguages("", "")

	py := langs["python"]
	if py.Command != "python3" || !py.InputHook || py.Driver != driver.NameMarker {
		t.Errorf("unexpected python language %+v", py)
	}
	if langs["js"].Command != "node" || langs["javascript"].Driver != driver.NamePattern {
		t.Errorf("unexpected javascript language %+v", langs["js"])
	}
}

func TestPythonInputHook(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not found")
	}
	r := New(Config{WorkDir: t.TempDir(), Languages: DefaultLanguages(python, "")})
	sink := newSinkRecorder()

	p, err := r.Start(context.Background(), "x = input('Name? ')\nprint('hi', x)\n", "python", sink)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.WriteLine("bob"); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}

	if res := sink.wait(t); res.code != 0 {
		_, stderr := sink.lines()
		t.Fatalf("expected exit 0, got %+v, stderr %q", res, stderr)
	}
	stdout, _ := sink.lines()
	if len(stdout) != 2 {
		t.Fatalf("expected prompt line and greeting, got %q", stdout)
	}
	if stdout[0] != "Name? "+driver.InputMarker+"\n" {
		t.Errorf("unexpected prompt line %q", stdout[0])
	}
	if stdout[1] != "hi bob\n" {
		t.Errorf("unexpected greeting %q", stdout[1])
	}
}

func TestExitCode(t *testing.T) {
	if exitCode(nil) != 0 {
		t.Error("expected 0 for nil")
	}
	if exitCode(errors.New("wait failed")) != -1 {
		t.Error("expected -1 for non-exit errors")
	}
}
