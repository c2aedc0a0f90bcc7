package internal

import (
	"io"
	"log/slog"
)

// Option configures Run and RunMCP.
type Option func(*application)

type application struct {
	config    *Config
	logOutput io.Writer
	version   string
}

// WithConfig sets the application configuration. It is required.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogOutput redirects the JSON log stream. Run defaults to stdout and
// RunMCP to stderr, since stdout carries the MCP protocol.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOutput = w
	}
}

// WithVersion sets the version reported to MCP clients and in startup logs.
func WithVersion(v string) Option {
	return func(a *application) {
		a.version = v
	}
}

// logger builds the process logger and installs it as the slog default.
func (a *application) logger(fallback io.Writer) *slog.Logger {
	out := a.logOutput
	if out == nil {
		out = fallback
	}
	l := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: a.config.App.LogLevel}))
	slog.SetDefault(l)
	return l
}
