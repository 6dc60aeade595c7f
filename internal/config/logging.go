package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLogLevel maps a level name to slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger creates the process logger: text or JSON to stderr, fanned out
// to a JSON log file when c.LogFile is set. The cleanup func closes the file.
func (c *Config) SetupLogger() (*slog.Logger, func() error) {
	return SetupLoggerWithWriters(os.Stderr, c.LogFormat, c.LogFile, ParseLogLevel(c.LogLevel))
}

// SetupLoggerWithWriters is SetupLogger with an explicit console writer (for testing).
func SetupLoggerWithWriters(console io.Writer, format, logFile string, level slog.Level) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: level}

	var consoleHandler slog.Handler
	if format == "json" {
		consoleHandler = slog.NewJSONHandler(console, opts)
	} else {
		consoleHandler = slog.NewTextHandler(console, opts)
	}

	if logFile == "" {
		return slog.New(consoleHandler), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		// Fall back to console-only if the file cannot be opened
		logger := slog.New(consoleHandler)
		logger.Error("failed to open log file, using console only", "error", err, "file", logFile)
		return logger, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, opts)
	logger := slog.New(slogmulti.Fanout(consoleHandler, fileHandler))
	return logger, file.Close
}
