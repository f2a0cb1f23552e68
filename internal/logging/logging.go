// Package logging configures the daemon's structured, leveled logger.
package logging

import (
	"log/slog"
	"os"
)

// Setup installs a JSON slog handler writing to stdout at the given
// level as the process-wide default logger, and returns it for callers
// that want to hold an explicit reference.
func Setup(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}
