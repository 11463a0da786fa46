// Package logging builds the zerolog loggers injected throughout the
// engine. Nothing here terminates the process: critical conditions are
// logged with a marker field and left to a supervising layer.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a logger writing JSON lines to stdout at the given
// level. An unparseable level falls back to info.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
}

// Critical tags an error-level event as requiring operator attention.
// Used where the system observed broker activity it cannot explain.
func Critical(log zerolog.Logger) *zerolog.Event {
	return log.Error().Bool("critical", true)
}
