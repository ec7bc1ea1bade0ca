// Package logging builds the structured logger used across the trading
// core, factored out of the teacher's inline main.go handler setup.
package logging

import (
	"log/slog"
	"os"

	"algotrader/internal/config"
)

// New builds a slog.Logger writing to stdout per cfg: "json" selects
// slog.NewJSONHandler, anything else (including empty) selects
// slog.NewTextHandler.
func New(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
