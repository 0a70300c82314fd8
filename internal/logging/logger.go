// Package logging configures structured logging for Conductor.
// All components log through zerolog; Setup wires the console and
// optional file writers from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls logger behavior.
type Config struct {
	// Level is the minimum level to log ("debug", "info", "warn", "error").
	Level string
	// File is an optional path for persistent logs.
	File string
	// Console enables human-readable console output on stderr.
	// Disable when stdout carries machine-readable results.
	Console bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Console: true,
	}
}

var (
	setupOnce sync.Once
	logFile   *os.File
)

// Setup initializes the global zerolog logger from cfg.
// It is safe to call more than once; only the first call takes effect.
func Setup(cfg Config) error {
	var err error
	setupOnce.Do(func() {
		err = setup(cfg)
	})
	return err
}

func setup(cfg Config) error {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05.000",
		})
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		writers = append(writers, f)
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return nil
}

// Close releases the log file handle, if one was opened.
func Close() error {
	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		return err
	}
	return nil
}

// Component returns a logger tagged with a component name.
// Packages take a zerolog.Logger value at construction so tests can
// substitute a silent logger.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// ParseLevel converts a config string into a zerolog level.
// Unknown strings default to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
