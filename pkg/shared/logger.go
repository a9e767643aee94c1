package helpers

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a Logger with structured JSON logging using slog, writing
// to stdout. logLevel can be "debug", "info", "warn", or "error"; anything
// else falls back to info.
func NewLogger(serviceName, logLevel string) *slog.Logger {
	return NewLoggerTo(os.Stdout, serviceName, ParseLevel(logLevel))
}

// NewLoggerTo is NewLogger with an explicit sink and leveler. Workers pass
// os.Stderr here because stdout carries the protocol.
func NewLoggerTo(w io.Writer, serviceName string, level slog.Leveler) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler).With("service", serviceName)
}

// ParseLevel maps a config string onto a slog level.
func ParseLevel(logLevel string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(logLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}
