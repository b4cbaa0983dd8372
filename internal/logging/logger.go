package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"polysync/internal/config"
)

var (
	logFiles      []*lumberjack.Logger
	dedupHandlers []*DedupHandler
	logFilesMu    sync.Mutex
)

// Initialize sets up the global logger based on configuration.
func Initialize(cfg config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	slog.SetDefault(logger)

	slog.Info("logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"dir", cfg.Dir,
		"console_enabled", cfg.Console.Enabled,
		"file_enabled", cfg.File.Enabled,
	)
	return nil
}

// NewLogger creates a logger instance from the given configuration.
// The handler chain is console + rotated main log + rotated error log,
// fanned out through a MultiHandler; file output is deduplicated when
// dedup is enabled.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	var handlers []slog.Handler

	if cfg.Console.Enabled {
		handlers = append(handlers, newHandler(os.Stdout, cfg.Console.Format, parseLevel(cfg.Console.Level)))
	}

	if cfg.File.Enabled {
		mainFile := newRotatedFile(filepath.Join(cfg.Dir, "polysync.log"), cfg.Rotation)

		// Separate warn-and-up file for operators scanning for trouble.
		errFile := newRotatedFile(filepath.Join(cfg.Dir, "errors.log"), cfg.Rotation)

		var fileHandler slog.Handler = NewMultiHandler(
			newHandler(mainFile, cfg.File.Format, parseLevel(cfg.File.Level)),
			NewLevelFilter(newHandler(errFile, cfg.File.Format, slog.LevelWarn), slog.LevelWarn),
		)

		// Retry loops and flapping circuits write the same line in
		// bursts; collapse them before they reach the files. Console
		// output stays immediate.
		if cfg.Dedup.Enabled {
			dedup := NewDedupHandler(fileHandler, DedupConfig{
				BatchSize:     cfg.Dedup.BatchSize,
				FlushInterval: cfg.Dedup.FlushInterval.Std(),
			})
			logFilesMu.Lock()
			dedupHandlers = append(dedupHandlers, dedup)
			logFilesMu.Unlock()
			fileHandler = dedup
		}
		handlers = append(handlers, fileHandler)
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, nil)
	case 1:
		handler = handlers[0]
	default:
		handler = NewMultiHandler(handlers...)
	}

	return slog.New(handler), nil
}

// Shutdown flushes dedup buffers and closes all rotated log files.
func Shutdown() error {
	logFilesMu.Lock()
	defer logFilesMu.Unlock()

	// Flush buffered records before the files underneath them close.
	for _, h := range dedupHandlers {
		if err := h.Close(); err != nil {
			return fmt.Errorf("failed to flush dedup handler: %w", err)
		}
	}
	dedupHandlers = nil

	for _, f := range logFiles {
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
	}
	logFiles = nil
	return nil
}

func newRotatedFile(path string, rot config.RotationConfig) *lumberjack.Logger {
	f := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSize,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAge,
		Compress:   rot.Compress,
	}
	logFilesMu.Lock()
	logFiles = append(logFiles, f)
	logFilesMu.Unlock()
	return f
}

func parseLevel(level string) slog.Level {
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

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
