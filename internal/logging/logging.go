package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// Output is "stderr", "stdout" or a file path. Commands print their
	// results on stdout, so logs default to stderr.
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format"`
	Caller     bool   `mapstructure:"caller"`
	Service    string `mapstructure:"service"`
}

// NewLogger constructs a zerolog logger from config. The returned closer
// releases the log file when Output names one.
func NewLogger(cfg Config) (zerolog.Logger, io.Closer, error) {
	sink, closer, err := openOutput(cfg.Output)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	if strings.EqualFold(cfg.Format, "console") {
		sink = zerolog.ConsoleWriter{Out: sink, TimeFormat: timeFormat(cfg)}
	}
	return newLogger(cfg, sink), closer, nil
}

func newLogger(cfg Config, sink io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = timeFormat(cfg)

	ctx := zerolog.New(sink).Level(parseLevel(cfg.Level)).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

func parseLevel(raw string) zerolog.Level {
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func timeFormat(cfg Config) string {
	if cfg.TimeFormat != "" {
		return cfg.TimeFormat
	}
	return time.RFC3339
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output %s: %w", output, err)
	}
	return file, file, nil
}

// Component derives a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// Redact keeps a short prefix/suffix of an identifier for correlation.
func Redact(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 12 {
		return "***"
	}
	return value[:6] + "..." + value[len(value)-4:]
}
