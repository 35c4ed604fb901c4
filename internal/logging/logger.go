// Package logging builds the structured logger shared by the dispatch binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const service = "ride-dispatch"

func NewLogger(level string) *slog.Logger {
	return New(os.Stdout, level)
}

// New writes JSON records with source locations to w. Every record carries
// the service name; components add their own with logger.With("component", ...).
func New(w io.Writer, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: levelFromString(level)})
	return slog.New(h).With("service", service)
}

// Discard drops everything. Tests use it.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// levelFromString accepts slog level names plus "warning"; anything else is info.
func levelFromString(s string) slog.Leveler {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if s == "" || lvl.UnmarshalText([]byte(s)) != nil {
		return slog.LevelInfo
	}
	return lvl
}
