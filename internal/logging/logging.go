// Package logging builds slog loggers from configuration.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/glimte/mmate-logforwarder/config"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Writer opens the configured output. The returned closer must be closed on
// shutdown; for stdout and stderr it does nothing.
func Writer(out config.OutputConfig) (io.WriteCloser, error) {
	switch out.Output {
	case "", "stdout":
		return nopCloser{os.Stdout}, nil
	case "stderr":
		return nopCloser{os.Stderr}, nil
	}

	// Create logging directory if it doesn't exist
	if dir := filepath.Dir(out.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	return &lumberjack.Logger{
		Filename:   out.Output,
		MaxSize:    out.MaxSizeMB,
		MaxBackups: out.MaxBackups,
		MaxAge:     out.MaxAgeDays,
		Compress:   out.Compress,
	}, nil
}

// ParseLevel maps debug, info, warn and error to slog levels; anything else
// is info
func ParseLevel(level string) slog.Level {
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

// Handler creates a JSON or text handler
func Handler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// New builds the process logger
func New(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	w, err := Writer(cfg.OutputConfig)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(Handler(w, cfg.Format, ParseLevel(cfg.Level))), w, nil
}
