// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config is what the logger needs from the application configuration.
type Config interface {
	GetEnv() string
	GetLogLevel() string
	GetLogFile() string
}

// Rotation limits for the log file.
const (
	maxSizeMB  = 10
	maxBackups = 3
	maxAgeDays = 28
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger writing to out, human readable in DEV and JSON
// otherwise, plus a rotating file when one is configured. The returned closer
// releases the file.
func New(cfg Config, out io.Writer) (zerolog.Logger, io.Closer) {
	level, err := zerolog.ParseLevel(cfg.GetLogLevel())
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	var console io.Writer = out
	if cfg.GetEnv() == "DEV" {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	writers := []io.Writer{console}
	var closer io.Closer = nopCloser{}
	if path := cfg.GetLogFile(); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("log file disabled")
		} else {
			file := &lumberjack.Logger{
				Filename:   path,
				MaxSize:    maxSizeMB,
				MaxBackups: maxBackups,
				MaxAge:     maxAgeDays,
				Compress:   true,
				LocalTime:  true,
			}
			writers = append(writers, file)
			closer = file
		}
	}

	var writer io.Writer = console
	if len(writers) > 1 {
		writer = zerolog.MultiLevelWriter(writers...)
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger(), closer
}

// Setup builds the logger for stderr and installs it as the global logger.
func Setup(cfg Config) io.Closer {
	logger, closer := New(cfg, os.Stderr)
	log.Logger = logger
	return closer
}
