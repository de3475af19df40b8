package logx

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger. Debug mode lowers the level and is the
// only mode in which per-op debug lines are emitted.
func Init(debug bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// Quiet raises the level so only warnings and errors surface. Used while the
// live display owns the terminal.
func Quiet() {
	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
}

// Get returns a logger tagged with a component name.
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// SetOutput redirects the global logger, primarily for file logging.
func SetOutput(w io.Writer) {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    true,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}
