package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// NewLogger creates the process logger: JSON to stdout, and additionally JSON
// to a log file when one is configured. Returns the logger and a cleanup
// function closing the file.
func NewLogger(cfg Config) (*slog.Logger, func() error) {
	stdoutHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})

	if cfg.LogFile == "" {
		return slog.New(stdoutHandler), func() error { return nil }
	}

	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(stdoutHandler)
		logger.Error("failed to open log file, using stdout only", "error", err, "file", cfg.LogFile)
		return logger, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})

	logger := slog.New(slogmulti.Fanout(stdoutHandler, fileHandler))
	return logger, func() error { return file.Close() }
}

// NewTestLogger returns a logger writing to w, for tests.
func NewTestLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
