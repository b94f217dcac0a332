// Package logger wires the process-wide structured logger. Grounded on the
// teacher's infrastructure/logger package, generalized from stdlib slog onto
// github.com/rs/zerolog (a direct go.mod dependency otherwise unused outside
// this package and its callers).
package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Setup builds the process logger at the given level ("debug", "info",
// "warn", "error"; anything else falls back to info), sets zerolog's global
// level, and installs the logger as zerolog.DefaultContextLogger so
// zerolog.Ctx on a context carrying no logger of its own returns it.
func Setup(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	l := parseLevel(level)
	zerolog.SetGlobalLevel(l)

	log := zerolog.New(os.Stdout).Level(l).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log
	return log
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns a default info-level logger, for callers (tests, one-off
// tools) that don't go through Setup.
func Logger() zerolog.Logger {
	return Setup("info")
}
