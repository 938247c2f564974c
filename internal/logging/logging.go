package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

func NewLogger(level, format string) *slog.Logger {
	return New(os.Stdout, level, format)
}

// New builds a logger writing to w. format is "json" (default) or "text".
func New(w io.Writer, level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl == slog.LevelDebug}
	var h slog.Handler
	if strings.ToLower(format) == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", "safetrail")
}
