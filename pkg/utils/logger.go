package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	loggerMu sync.RWMutex
	logger   = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

// LogOptions selects the process-wide log handler.
type LogOptions struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	Color  bool   // colored text output for terminals
	Output io.Writer
}

// InitLogger installs the process-wide logger and makes it the slog default.
func InitLogger(opts LogOptions) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := ParseLevel(opts.Level)

	var h slog.Handler
	switch {
	case opts.Format == "json":
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	case opts.Color:
		h = tint.NewHandler(out, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	default:
		h = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}

	l := slog.New(h)
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
	slog.SetDefault(l)
	return l
}

// GetLogger returns the process-wide logger.
func GetLogger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
