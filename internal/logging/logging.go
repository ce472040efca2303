package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
}

// NewLogger constructs a zerolog logger writing to stderr, keeping stdout
// free for command output.
func NewLogger(cfg Config) zerolog.Logger {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg Config, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	logger := zerolog.New(logWriter(cfg, out)).Level(level)
	builder := logger.With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}

	return builder.Logger()
}

func logWriter(cfg Config, out io.Writer) io.Writer {
	if cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console") {
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}
	return out
}
