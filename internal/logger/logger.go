package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for the daemon's own log file. Per-run process logs are
// written by the drain worker with per-line flushes and are not rotated.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes the daemon log destination.
type Config struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	File       string `mapstructure:"file"`        // optional rotated log file
	MaxSizeMB  int    `mapstructure:"max_size_mb"` // lumberjack semantics
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// New builds a slog.Logger writing colored text to stderr and, when a file
// is configured, plain text through a lumberjack rotating writer.
func New(c Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Level)}
	console := NewColorTextHandler(os.Stderr, opts, true)
	if c.File == "" {
		return slog.New(console)
	}
	_ = os.MkdirAll(filepath.Dir(c.File), 0o750)
	fw := &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
	return slog.New(newTeeHandler(console, slog.NewTextHandler(fw, opts)))
}

// FileWriter returns a rotating writer for auxiliary logs under the same
// rotation policy.
func (c Config) FileWriter(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func parseLevel(s string) slog.Level {
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

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
