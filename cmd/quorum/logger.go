package main

import (
	"log/slog"
	"os"
	"strings"
)

// setupLogger installs the default slog handler. The CLI flag wins over
// LOG_LEVEL; an unrecognized value falls back to info.
func setupLogger(cliLevel string) {
	level := cliLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}

	var slogLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))
}
