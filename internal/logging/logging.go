package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type Config struct {
	Level  string
	Format string
}

// New builds the process logger. Format "console" writes human readable
// lines; anything else writes JSON.
func New(cfg Config, service string) zerolog.Logger {
	return NewWithWriter(os.Stdout, cfg, service)
}

func NewWithWriter(w io.Writer, cfg Config, service string) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		w = zerolog.ConsoleWriter{Out: w}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// AsynqLogger adapts a zerolog.Logger to asynq's Logger interface.
type AsynqLogger struct {
	logger zerolog.Logger
}

func NewAsynqLogger(logger zerolog.Logger) *AsynqLogger {
	return &AsynqLogger{logger: logger.With().Str("component", "asynq").Logger()}
}

func (l *AsynqLogger) Debug(args ...any) {
	l.logger.Debug().Msg(fmt.Sprint(args...))
}

func (l *AsynqLogger) Info(args ...any) {
	l.logger.Info().Msg(fmt.Sprint(args...))
}

func (l *AsynqLogger) Warn(args ...any) {
	l.logger.Warn().Msg(fmt.Sprint(args...))
}

func (l *AsynqLogger) Error(args ...any) {
	l.logger.Error().Msg(fmt.Sprint(args...))
}

func (l *AsynqLogger) Fatal(args ...any) {
	l.logger.Fatal().Msg(fmt.Sprint(args...))
}
