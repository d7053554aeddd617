// Package logging adapts zerolog to the printf style Logger used by the
// authclient components.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Zerolog implements authclient.Logger on top of a zerolog.Logger.
type Zerolog struct {
	logger zerolog.Logger
}

// New wraps logger.
func New(logger zerolog.Logger) *Zerolog {
	return &Zerolog{logger: logger}
}

// NewConsole returns a human readable logger writing to w at level. An
// unknown level falls back to info.
func NewConsole(w io.Writer, level string) *Zerolog {
	if w == nil {
		w = os.Stderr
	}
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	logger := zerolog.New(output).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("component", "authclient").
		Logger()
	return New(logger)
}

// ParseLevel maps a config level name onto a zerolog level.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	}
	return zerolog.InfoLevel
}

// With returns a logger that adds key=value to every entry.
func (z *Zerolog) With(key, value string) *Zerolog {
	return &Zerolog{logger: z.logger.With().Str(key, value).Logger()}
}

// Zerolog exposes the underlying logger.
func (z *Zerolog) Zerolog() zerolog.Logger {
	return z.logger
}

func (z *Zerolog) Debug(format string, args ...any) {
	z.logger.Debug().Msgf(format, args...)
}

func (z *Zerolog) Info(format string, args ...any) {
	z.logger.Info().Msgf(format, args...)
}

func (z *Zerolog) Warn(format string, args ...any) {
	z.logger.Warn().Msgf(format, args...)
}

func (z *Zerolog) Error(format string, args ...any) {
	z.logger.Error().Msgf(format, args...)
}
