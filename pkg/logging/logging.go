// Package logging adapts zap to the orchestrator.Logger interface.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger satisfies orchestrator.Logger with a zap SugaredLogger.
type Logger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
}

// ParseLevel maps LOG_LEVEL style names to zap levels, defaulting to info.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// New builds a JSON logger writing to stdout at the given level.
func New(level string) (*Logger, error) {
	cfg := zap.Config{
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		Level:            zap.NewAtomicLevelAt(ParseLevel(level)),
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.CallerKey = "caller"

	logger, err := cfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		return nil, err
	}
	return FromZap(logger), nil
}

// FromEnv is New with the level taken from LOG_LEVEL.
func FromEnv() (*Logger, error) {
	return New(os.Getenv("LOG_LEVEL"))
}

// FromZap wraps logger. Entries logged through the wrapper report the
// wrapper's caller.
func FromZap(logger *zap.Logger) *Logger {
	return &Logger{
		base:  logger,
		sugar: logger.WithOptions(zap.AddCallerSkip(1)).Sugar(),
	}
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.sugar.Debugw(msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.sugar.Infow(msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.sugar.Warnw(msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.sugar.Errorw(msg, args...) }

// With returns a child logger that adds kv to every entry.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{base: l.base.Sugar().With(kv...).Desugar(), sugar: l.sugar.With(kv...)}
}

// Zap returns the underlying logger for code that logs through zap directly.
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
