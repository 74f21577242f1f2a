package sink

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-logforwarder/internal/labels"
)

// LevelFatal sits above slog.LevelError for entries labelled fatal
const LevelFatal = slog.Level(12)

// LoggerSink writes entries as structured log records
type LoggerSink struct {
	logger *slog.Logger
}

// NewLoggerSink writes through logger, which should be built without a
// level filter so every entry is kept
func NewLoggerSink(logger *slog.Logger) *LoggerSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggerSink{logger: logger}
}

// Write emits one record per entry
func (s *LoggerSink) Write(ctx context.Context, entry labels.Entry) error {
	attrs := make([]any, 0, len(entry.Labels))
	for k, v := range entry.Labels {
		attrs = append(attrs, slog.String(k, v))
	}

	s.logger.LogAttrs(ctx, SlogLevel(entry.Level), entry.Line,
		slog.Time("timestamp", entry.Timestamp),
		slog.Group("labels", attrs...))
	return nil
}

// Close is a no-op; the output is owned by whoever built the logger
func (s *LoggerSink) Close() error {
	return nil
}

// SlogLevel maps a normalised level to a slog level
func SlogLevel(level string) slog.Level {
	switch level {
	case labels.LevelDebug:
		return slog.LevelDebug
	case labels.LevelWarn:
		return slog.LevelWarn
	case labels.LevelError:
		return slog.LevelError
	case labels.LevelFatal:
		return LevelFatal
	default:
		return slog.LevelInfo
	}
}
