// Package logging builds the process-wide slog logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lightforgemedia/go-dmtp/pkg/config"
)

// Logger is a configured slog.Logger whose level can change at runtime.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  io.Closer
}

// ParseLevel accepts debug, info, warn (or warning) and error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "warning" {
		s = "warn"
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging: invalid level '%s'", s)
	}
	return l, nil
}

// New builds a logger writing to stderr, or to a rotated file when
// cfg.File is set.
func New(cfg config.LogConfig) (*Logger, error) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.LogConfig, stderr io.Writer) (*Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	level := new(slog.LevelVar)
	level.Set(lvl)

	out := stderr
	var file io.Closer
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    max(cfg.MaxSizeMB, 1),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out, file = lj, lj
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return &Logger{Logger: slog.New(h), level: level, file: file}, nil
}

// SetLevel changes the level of every logger derived from l.
func (l *Logger) SetLevel(s string) error {
	lvl, err := ParseLevel(s)
	if err != nil {
		return err
	}
	if l.level.Level() != lvl {
		l.level.Set(lvl)
		l.Info("Log level changed", "level", lvl.String())
	}
	return nil
}

func (l *Logger) Level() slog.Level { return l.level.Level() }

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
