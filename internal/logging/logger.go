package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/krishimitra/signalbridge/internal/config"
)

// Setup installs the process-wide slog logger described by cfg.
// When cfg.File is set, the returned lumberjack logger must be closed on shutdown.
func Setup(cfg config.LoggingConfig) *lumberjack.Logger {
	return setup(cfg, os.Stdout)
}

func setup(cfg config.LoggingConfig, stdout io.Writer) *lumberjack.Logger {
	w := stdout
	var lj *lumberjack.Logger

	if cfg.File != "" {
		lj = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = lj
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	handler = &captureHandler{Handler: handler, ring: recent, min: slog.LevelWarn}
	slog.SetDefault(slog.New(handler).With("service", "signalbridge"))
	return lj
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
