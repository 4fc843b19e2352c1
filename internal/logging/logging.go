// Package logging configures the process-wide slog handler.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Setup installs the default slog handler. The JSON handler is the
// production default; LOG_FORMAT=pretty switches to a colorized handler
// for local development. LOG_LEVEL selects the minimum level.
func Setup() {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "pretty") {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	slog.SetDefault(slog.New(handler))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
