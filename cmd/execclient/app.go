package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codeedit/execsession/pkg/execclient"
)

const (
	// Exit status for a run stopped by Ctrl-C, as shells report SIGINT.
	interruptedStatus = 130

	// How long a terminate request may take to be confirmed.
	terminateWait = 5 * time.Second

	// Editors often write a file in several steps.
	watchDebounce = 100 * time.Millisecond
)

type appIO struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// interactive means stdin is a terminal that echoes typed input.
	interactive bool

	// color highlights program stderr.
	color bool
}

// outcome is how one run ended.
type outcome struct {
	exitCode   int
	terminated bool
	reason     string
}

type app struct {
	client *execclient.Client
	io     appIO
	logger *slog.Logger

	lines   chan string
	results chan outcome
}

func newApp(client *execclient.Client, aio appIO, logger *slog.Logger) *app {
	a := &app{
		client:  client,
		io:      aio,
		logger:  logger,
		lines:   make(chan string, 16),
		results: make(chan outcome, 1),
	}

	go a.readStdin()

	client.On(execclient.EventOutput, func(ev execclient.Event) {
		fmt.Fprint(a.io.stdout, ev.Text)
	})
	client.On(execclient.EventError, func(ev execclient.Event) {
		var protoErr *execclient.ProtocolError
		if errors.As(ev.Err, &protoErr) {
			a.logger.Warn("discarded malformed frame", "error", ev.Err)
			return
		}
		if a.io.color {
			fmt.Fprint(a.io.stderr, "\x1b[31m"+ev.Text+"\x1b[0m")
			return
		}
		fmt.Fprint(a.io.stderr, ev.Text)
	})
	client.On(execclient.EventInputPrompt, func(execclient.Event) {
		go a.answerPrompt()
	})
	client.On(execclient.EventExecutionComplete, func(ev execclient.Event) {
		a.finish(outcome{exitCode: ev.ExitCode})
	})
	client.On(execclient.EventExecutionTerminated, func(ev execclient.Event) {
		a.finish(outcome{terminated: true, reason: ev.Text})
	})
	client.On(execclient.EventSocketError, func(ev execclient.Event) {
		a.logger.Warn("socket error", "error", ev.Err)
	})

	return a
}

func (a *app) readStdin() {
	defer close(a.lines)
	scanner := bufio.NewScanner(a.io.stdin)
	for scanner.Scan() {
		a.lines <- scanner.Text()
	}
}

// answerPrompt forwards the next stdin line. The program is stopped when
// stdin is exhausted, since it would otherwise wait forever.
func (a *app) answerPrompt() {
	line, ok := <-a.lines
	if !ok {
		a.logger.Warn("stdin closed while the program is waiting for input")
		if err := a.client.TerminateExecution(); err != nil {
			a.logger.Debug("terminate failed", "error", err)
		}
		return
	}
	if !a.io.interactive {
		fmt.Fprintln(a.io.stdout, line)
	}
	if err := a.client.SendInput(line); err != nil {
		a.logger.Warn("failed to send input", "error", err)
	}
}

func (a *app) finish(o outcome) {
	select {
	case a.results <- o:
	default:
		a.logger.Debug("dropping duplicate run outcome", "outcome", o)
	}
}

// runFile executes the file once and returns the process exit status.
func (a *app) runFile(ctx context.Context, path, lang string) (int, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return 1, err
	}
	return a.run(ctx, string(code), lang, filepath.Base(path))
}

func (a *app) run(ctx context.Context, code, lang, fileID string) (int, error) {
	select {
	case <-a.results:
	default:
	}

	if err := a.client.ExecuteCode(ctx, code, lang, fileID); err != nil {
		if ctx.Err() != nil {
			return interruptedStatus, nil
		}
		return 1, err
	}

	select {
	case o := <-a.results:
		return exitStatus(o, false), nil
	case <-ctx.Done():
	}

	if err := a.client.TerminateExecution(); err != nil {
		a.logger.Debug("terminate failed", "error", err)
		return interruptedStatus, nil
	}
	select {
	case o := <-a.results:
		return exitStatus(o, true), nil
	case <-time.After(terminateWait):
		a.logger.Warn("terminate was not confirmed")
		return interruptedStatus, nil
	}
}

// exitStatus maps a run outcome to a process exit status.
func exitStatus(o outcome, interrupted bool) int {
	switch {
	case o.terminated && interrupted:
		return interruptedStatus
	case o.terminated:
		return 1
	case o.exitCode < 0:
		return 1
	case o.exitCode > 255:
		return 255
	default:
		return o.exitCode
	}
}

// watch runs the file and runs it again after every change until ctx is
// cancelled. A change while the program runs stops it first.
func (a *app) watch(ctx context.Context, path, lang string) (int, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 1, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return 1, fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so that files replaced by rename are still seen.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return 1, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	status := 0
	for {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			s, err := a.runFile(runCtx, abs, lang)
			if err != nil {
				fmt.Fprintf(a.io.stderr, "execclient: %v\n", err)
			}
			status = s
		}()

		changed := a.waitForChange(ctx, watcher, abs)
		cancel()
		<-done

		if !changed {
			return status, nil
		}
		fmt.Fprintf(a.io.stderr, "--- %s changed, re-running ---\n", filepath.Base(abs))
	}
}

// waitForChange blocks until path changes or ctx is cancelled, and reports
// whether it changed.
func (a *app) waitForChange(ctx context.Context, watcher *fsnotify.Watcher, path string) bool {
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-watcher.Events:
			if !ok {
				return false
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce = time.After(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return false
			}
			a.logger.Warn("watch error", "error", err)
		case <-debounce:
			return true
		}
	}
}
