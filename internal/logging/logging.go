// Package logging builds the process logger. Every line goes to stderr
// (console or JSON) and to any extra writers, typically a LogBuffer.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/petervdpas/ledlink/internal/config"
)

// New returns the root logger for cfg. Extra writers always receive JSON.
func New(cfg config.Log, extra ...io.Writer) zerolog.Logger {
	return NewWithOutput(cfg, os.Stderr, extra...)
}

// NewWithOutput is New with the primary output made explicit.
func NewWithOutput(cfg config.Log, out io.Writer, extra ...io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	primary := out
	if cfg.Pretty {
		primary = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	w := primary
	if len(extra) > 0 {
		ws := append([]io.Writer{primary}, extra...)
		w = zerolog.MultiLevelWriter(ws...)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
