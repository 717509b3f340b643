package main

import (
	"io"
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"

	"github.com/btouchard/larder/internal/config"
)

func parseLevel(s string) slog.Level {
	switch s {
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

// newHandler builds a JSON handler, or a human-readable one for
// log_format: text.
func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	if format == "text" {
		l := charmlog.NewWithOptions(w, charmlog.Options{ReportTimestamp: true})
		l.SetLevel(charmlog.Level(level))
		return l
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

// setupLogging installs the default logger. The returned function closes
// the log file, if any.
func setupLogging(cfg config.ServerConfig) func() {
	level := parseLevel(cfg.LogLevel)
	handlers := []slog.Handler{newHandler(os.Stderr, cfg.LogFormat, level)}

	closeFn := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stderr only", "path", cfg.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
			closeFn = func() { _ = f.Close() }
		}
	}

	slog.SetDefault(slog.New(slog.NewMultiHandler(handlers...)))
	return closeFn
}
