// Package logger builds the root zerolog logger the whole process derives
// from. Components attach their own "service" field; nothing in Warden logs
// through package-level globals.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects verbosity and output format.
type Config struct {
	// Level is a zerolog level name. Unrecognized values fall back to info
	// rather than failing startup: a typo in WARDEN_LOG_LEVEL should not
	// keep the engine down.
	Level string
	// Pretty switches to human-readable console output for dev runs.
	// Production stays on JSON lines.
	Pretty bool
}

// New builds the root logger. The level set here is the floor for every
// derived component logger.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).With().Timestamp().Caller().Logger()
}
