package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions selects the level and sinks of the process logger.
type LogOptions struct {
	Level      string
	Console    bool
	JSON       bool
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

func init() {
	defaultLogger()
}

// defaultLogger installs the console logger at info level until
// SetupLogging runs.
func defaultLogger() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Str("component", "robolog").Logger()
}

// SetupLogging replaces the global logger. When File is set, entries are also
// written to a rotating file.
func SetupLogging(opts LogOptions) (io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var sinks []io.Writer
	if opts.Console || opts.File == "" {
		if opts.JSON {
			sinks = append(sinks, os.Stderr)
		} else {
			sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		}
	}
	var rotator *lumberjack.Logger
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    positiveOr(opts.MaxSizeMB, 25),
			MaxAge:     positiveOr(opts.MaxAgeDays, 7),
			MaxBackups: positiveOr(opts.MaxBackups, 5),
			Compress:   opts.Compress,
		}
		sinks = append(sinks, rotator)
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(sinks...)).With().Timestamp().
		Str("component", "robolog").Logger()
	if rotator == nil {
		return nopCloser{}, nil
	}
	return rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func Logf(format string, args ...interface{}) {
	log.Info().Msgf(format, args...)
}

func Warnf(format string, args ...interface{}) {
	log.Warn().Msgf(format, args...)
}

func Debugf(format string, args ...interface{}) {
	log.Debug().Msgf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf(format, args...)
}
