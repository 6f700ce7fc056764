package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is the accepted LOG_LEVEL value.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Format selects LOG_FORMAT.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Config configures the root logger built by New.
type Config struct {
	Level  Level
	Format Format
	Output io.Writer // defaults to os.Stdout
}

// New builds a root zerolog.Logger from cfg. Call once at startup and
// thread the result through every component constructor.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	case InfoLevel, "":
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var logger zerolog.Logger
	if cfg.Format == FormatJSON {
		logger = zerolog.New(output).Level(level).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

// WithComponent returns a child logger tagging every line with the
// component name (e.g. "registry", "lifecycle", "renewsched").
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithFingerprint returns a child logger tagging every line with the
// certificate fingerprint under operation.
func WithFingerprint(base zerolog.Logger, fingerprint string) zerolog.Logger {
	return base.With().Str("fingerprint", fingerprint).Logger()
}
