package monitor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/fakeyudi/sessionwatch/internal/notify"
	"github.com/fakeyudi/sessionwatch/internal/session"
	"github.com/fakeyudi/sessionwatch/internal/transport"
)

// DefaultServerURL is where opencode serves by default.
const DefaultServerURL = "http://127.0.0.1:4096"

// Opener opens the event stream for one Watch call.
type Opener func(ctx context.Context) (transport.Stream, error)

// Config holds watch configuration.
type Config struct {
	// ServerURL is the opencode base URL; "/event" is appended.
	ServerURL string

	// Headers are sent with the stream request.
	Headers map[string]string

	// LogPath is where the log artifact is written (default: <session-id>.json).
	LogPath string

	// Encoder renders the artifact (default: indented JSON).
	Encoder session.Encoder

	// Progress receives de-bounced notifications. Nil disables them.
	Progress notify.Func

	// Clock supplies timestamps (default: time.Now).
	Clock func() time.Time

	// Logger receives lifecycle and debug output (default: slog.Default()).
	Logger *slog.Logger

	// Meter records tool, token and dropped-frame counters (default: global).
	Meter metric.Meter

	// Open replaces the HTTP transport, e.g. to replay a capture file.
	Open Opener
}

// Option is a functional option for configuring a Watch.
type Option func(*Config)

// WithServerURL sets the opencode base URL.
func WithServerURL(url string) Option {
	return func(c *Config) {
		c.ServerURL = strings.TrimRight(url, "/")
	}
}

// WithHeader adds a request header to the stream request.
func WithHeader(key, value string) Option {
	return func(c *Config) {
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		c.Headers[key] = value
	}
}

// WithLogPath sets the artifact destination.
func WithLogPath(path string) Option {
	return func(c *Config) {
		c.LogPath = path
	}
}

// WithEncoder sets the artifact renderer.
func WithEncoder(enc session.Encoder) Option {
	return func(c *Config) {
		c.Encoder = enc
	}
}

// WithProgress sets the progress callback.
func WithProgress(fn notify.Func) Option {
	return func(c *Config) {
		c.Progress = fn
	}
}

// WithClock sets the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMeter sets the meter used for counters.
func WithMeter(m metric.Meter) Option {
	return func(c *Config) {
		c.Meter = m
	}
}

// WithOpener replaces the stream transport.
func WithOpener(open Opener) Option {
	return func(c *Config) {
		c.Open = open
	}
}
