package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options control how the global logger is set up.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is "console" or "json".
	Format string
	// NoColor disables colored console output.
	NoColor bool
}

// InitDefault sets up a sane console logger before flags and config are parsed.
func InitDefault() {
	Init(nil)
}

// Init configures the global zerolog logger. A nil opts falls back to
// info-level console logging.
func Init(opts *Options) {
	if opts == nil {
		opts = &Options{Level: "info", Format: "console"}
	}

	level := zerolog.InfoLevel
	switch strings.ToLower(opts.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	if opts.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}

	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
		NoColor:    opts.NoColor,
	}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
}
