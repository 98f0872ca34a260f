// Package log provides the logging infrastructure shared by all ensemble
// components.
//
// Loggers are injected, never global: each component receives a log.Logger
// through its constructor and may scope it with logger.With("component", …).
// Tests use NewNop or NewWithWriter with a buffer.
package log

import (
	"io"
	"log/slog"
	"os"
)

// Logger is a type alias for *slog.Logger. Using the standard library type
// directly keeps full slog compatibility (With, WithGroup, handlers) without
// an interface layer.
type Logger = *slog.Logger

// Config defines logger configuration options.
type Config struct {
	// Level sets the minimum log level. Default: slog.LevelInfo.
	Level slog.Level

	// JSON enables JSON output, the format used in service mode.
	// Default false: text output for terminals.
	JSON bool

	// AddSource adds source file position to entries. Default: false.
	AddSource bool
}

// New creates a logger writing to os.Stderr with the given configuration.
// Stderr keeps stdout free for protocol traffic (the MCP transport speaks
// JSON-RPC over stdout).
func New(cfg Config) Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter creates a logger writing to w.
//
//	var buf bytes.Buffer
//	logger := log.NewWithWriter(&buf, log.Config{})
func NewWithWriter(w io.Writer, cfg Config) Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// NewNop creates a logger that discards all output. Test use only;
// production paths always get a configured logger from New.
func NewNop() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
