// Package logging configures the process-wide structured logger. The
// logger built by New is handed to every subsystem unchanged; no
// `component` field is added. Nothing writes to stdout, which is reserved
// for the tool request/response channel.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the root logger writing JSON lines to stderr at the given
// level ("debug", "info", "warn", "error"; unrecognized values fall back to
// "info").
func New(level string) zerolog.Logger {
	return NewWithWriter(os.Stderr, level)
}

// NewWithWriter is New with an explicit sink, used by tests.
func NewWithWriter(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Redacted is the placeholder written to logs in place of a secret value.
const Redacted = "***"
