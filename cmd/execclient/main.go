// Command execclient runs a source file on an execution backend, streaming
// its output and forwarding stdin lines whenever the program asks for input.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/codeedit/execsession/pkg/execclient"
)

func main() {
	host := flag.String("host", getEnv("EXEC_HOST", "localhost:8000"), "execution backend host[:port]")
	secure := flag.Bool("secure", false, "connect with wss://")
	lang := flag.String("lang", "", "language tag (default: derived from the file extension)")
	watch := flag.Bool("watch", false, "re-run the file whenever it changes")
	timeout := flag.Duration("timeout", 5*time.Second, "connection timeout")
	verbose := flag.Bool("v", false, "log connection events")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] FILE\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)
	if *lang == "" {
		*lang = execclient.LanguageForFile(path)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := execclient.DefaultConfig()
	cfg.Host = *host
	cfg.Secure = *secure
	cfg.ConnectTimeout = *timeout
	cfg.Logger = logger
	cfg.OnReconnect = func(attempt int, delay time.Duration) {
		logger.Warn("connection lost, reconnecting", "attempt", attempt, "delay", delay)
	}

	client := execclient.New(cfg)
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := newApp(client, appIO{
		stdin:       os.Stdin,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
		color:       term.IsTerminal(int(os.Stderr.Fd())),
	}, logger)

	var (
		status int
		err    error
	)
	if *watch {
		status, err = a.watch(ctx, path, *lang)
	} else {
		status, err = a.runFile(ctx, path, *lang)
	}
	if err != nil {
		client.Close()
		log.Fatalf("execclient: %v", err)
	}

	client.Close()
	os.Exit(status)
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
