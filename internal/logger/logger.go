// Package logger configures the process-wide zerolog logger.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger with the given level. Unknown levels
// fall back to info rather than failing startup. Output is JSON on stdout;
// set LOG_FORMAT=console for human-readable local output.
func Setup(level string) {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
