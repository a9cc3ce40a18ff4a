package infra

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logger shared by every component.
type Logger = zerolog.Logger

// NewLogger builds the process logger. Development gets a console writer at
// debug level; everything else writes JSON at info. A non-empty level
// (LOG_LEVEL) overrides the environment default.
func NewLogger(appEnv, level string) Logger {
	return newLogger(os.Stdout, appEnv, level)
}

// NewCLILogger writes human-readable output to stderr so command output on
// stdout stays machine readable. It defaults to warn.
func NewCLILogger(level string) Logger {
	l := newLogger(os.Stderr, "development", level)
	if level == "" {
		l = l.Level(zerolog.WarnLevel)
	}
	return l
}

func newLogger(out io.Writer, appEnv, level string) Logger {
	dev := appEnv == "development"
	lvl := zerolog.InfoLevel
	if dev {
		lvl = zerolog.DebugLevel
	}
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil && level != "" {
		lvl = parsed
	}

	if dev {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", "doctranslate").Logger()
}
