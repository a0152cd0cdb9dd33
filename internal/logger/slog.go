package logger

import (
	"io"
	"log/slog"
)

// New returns a text slog logger for the engine. Verbose enables debug-level
// records; otherwise info and above.
func New(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
