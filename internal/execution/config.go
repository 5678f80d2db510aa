package execution

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeedit/execsession/internal/reconnect"
)

const (
	// DefaultHost is the backend address used when Config.Host is empty.
	DefaultHost = "localhost:8000"

	// DefaultOutputBufferSize bounds the terminal transcript kept per run.
	DefaultOutputBufferSize = 1 << 20

	// DefaultConnectTimeout bounds how long a connection may wait for the
	// backend's confirmation.
	DefaultConnectTimeout = 5 * time.Second
)

// Config holds coordinator configuration.
type Config struct {
	// Host is the backend host[:port]. An http(s):// or ws(s):// prefix
	// selects the scheme and overrides Secure.
	Host string

	// Secure selects wss:// instead of ws://.
	Secure bool

	ConnectTimeout   time.Duration
	Reconnect        reconnect.Config
	Header           http.Header
	OutputBufferSize int

	// Socket keepalive. Zero values use the transport defaults.
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration

	Logger *slog.Logger

	// OnReconnect is called each time an automatic reconnection is scheduled.
	OnReconnect func(attempt int, delay time.Duration)
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Host:             DefaultHost,
		ConnectTimeout:   DefaultConnectTimeout,
		Reconnect:        reconnect.DefaultConfig(),
		OutputBufferSize: DefaultOutputBufferSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.OutputBufferSize <= 0 {
		c.OutputBufferSize = d.OutputBufferSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Address returns the socket address of a session:
// <ws-scheme>://<host>/ws/code/<sessionID>/.
func Address(host string, secure bool, sessionID string) (string, error) {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}

	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return "", fmt.Errorf("invalid host %q: %w", host, err)
		}
		switch u.Scheme {
		case "http", "ws":
			scheme = "ws"
		case "https", "wss":
			scheme = "wss"
		default:
			return "", fmt.Errorf("invalid host %q: unsupported scheme %q", host, u.Scheme)
		}
		host = u.Host
	}
	host = strings.TrimSuffix(host, "/")
	if host == "" {
		return "", fmt.Errorf("empty host")
	}

	u := url.URL{Scheme: scheme, Host: host, Path: "/ws/code/" + sessionID + "/"}
	return u.String(), nil
}
