// Package logging configures the process wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures zerolog for the process writing to stderr
func Setup(level, format string) (zerolog.Logger, error) {
	return SetupWithWriter(level, format, os.Stderr)
}

// SetupWithWriter configures zerolog to write to w.  Format "json" writes one
// JSON object per event, anything else uses the human readable console writer.
func SetupWithWriter(level, format string, w io.Writer) (zerolog.Logger, error) {

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))

	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}

	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var writer io.Writer = w

	if format != "json" {
		writer = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}

	logger := zerolog.New(writer).With().Timestamp().Logger().Level(lvl)
	log.Logger = logger

	return logger, nil
}
