// Package logger builds the process-wide slog logger from config.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"magpie-ai/internal/infra/config"
)

// New builds a *slog.Logger per cfg. The second return value releases the
// log output and must be called on shutdown; for stdout and stderr it is a
// no-op.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	w, closer, err := output(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closer, nil
}

// level maps a config level name onto slog. Unknown names fall back to info.
func level(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// output resolves the configured target. Anything that is not stdout or
// stderr is treated as a file path and opened in append mode.
func output(target string) (io.Writer, func() error, error) {
	switch strings.ToLower(target) {
	case "stdout":
		return os.Stdout, func() error { return nil }, nil
	case "", "stderr":
		return os.Stderr, func() error { return nil }, nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
