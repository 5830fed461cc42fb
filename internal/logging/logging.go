package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. Outside production the output is
// the human-friendly console writer.
func Init(level, environment string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// Module returns a child of the global logger tagged with the module name.
func Module(name string) zerolog.Logger {
	return log.With().Str("module", name).Logger()
}
