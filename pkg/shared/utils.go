package helpers

import (
	"io"
	"log/slog"
)

// CloseOrLog Helper function to attempt to close IO connections and log error if it fails, useful for closing on defer
func CloseOrLog(closer io.Closer) {
	err := closer.Close()
	if err != nil {
		slog.Error("Error closing I/O", "error", err)
	}
}

// NopLogger returns a logger that discards everything, used when callers pass nil.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
