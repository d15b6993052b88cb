// Package logger provides the process-wide structured logger: info/warn/debug
// to stdout, error/fatal/panic to stderr, both through zerolog's console
// writer.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var base zerolog.Logger

func init() {
	writer := zerolog.MultiLevelWriter(
		specificLevelWriter{
			Writer: zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339},
			Levels: []zerolog.Level{zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel},
		},
		specificLevelWriter{
			Writer: zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
			Levels: []zerolog.Level{zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel},
		},
	)
	base = zerolog.New(writer).With().Timestamp().Logger()
}

// SetLevel adjusts the global minimum level (used by config at startup).
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// For returns a child logger tagged with the owning component's name, the
// convention every package in this module uses to get its own logger.
func For(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

type specificLevelWriter struct {
	io.Writer
	Levels []zerolog.Level
}

func (w specificLevelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	for _, l := range w.Levels {
		if l == level {
			return w.Write(p)
		}
	}
	return len(p), nil
}
