package twiliofn

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	envLogLevel  = "TWILIOFN_LOG_LEVEL"
	envLogFormat = "TWILIOFN_LOG_FORMAT"

	// traceLevelDebugOffset is the offset from slog.LevelDebug for TRACE level
	traceLevelDebugOffset = 4

	// fatalLevelErrorOffset is the offset from slog.LevelError for FATAL level
	fatalLevelErrorOffset = 4
)

// DefaultLogger creates a stderr logger from TWILIOFN_LOG_FORMAT (JSON or
// text) and TWILIOFN_LOG_LEVEL (defaults to info).
func DefaultLogger() *slog.Logger {
	return newLogger(os.Stderr, os.Getenv(envLogFormat), os.Getenv(envLogLevel))
}

func newLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: loggerLevelFromString(level),
	}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Supports: trace, debug, info, warn, error, fatal.
func loggerLevelFromString(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return slog.LevelDebug - traceLevelDebugOffset
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "fatal":
		return slog.LevelError + fatalLevelErrorOffset
	default:
		return slog.LevelInfo
	}
}
