// Package log defines the structured logging interface used across ServiceHub.
package log

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the common interface implemented by every logging backend used
// in this module. Handlers and services depend on this interface, never on
// zap directly, so tests can substitute a no-op implementation.
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)

	// WithFields returns a derived Logger that includes the given key/value
	// pairs (alternating key, value, key, value, ...) on every entry.
	WithFields(fields ...any) Logger

	Sync() error
}

// zapLogger adapts a *zap.SugaredLogger to Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

// New builds a Logger backed by zap, configured the way ENV_NAME and
// LOG_LEVEL dictate: development encoding with color outside production,
// JSON encoding in production.
func New(envName, level string) (Logger, error) {
	var cfg zap.Config

	if envName == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.Set(level); err != nil {
			os.Stderr.WriteString("invalid LOG_LEVEL, falling back to info: " + err.Error() + "\n")

			lvl = zapcore.InfoLevel
		}

		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	cfg.DisableStacktrace = true

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &zapLogger{s: logger.Sugar()}, nil
}

func (l *zapLogger) Info(args ...any)                  { l.s.Info(args...) }
func (l *zapLogger) Infof(format string, args ...any)   { l.s.Infof(format, args...) }
func (l *zapLogger) Warn(args ...any)                  { l.s.Warn(args...) }
func (l *zapLogger) Warnf(format string, args ...any)   { l.s.Warnf(format, args...) }
func (l *zapLogger) Error(args ...any)                 { l.s.Error(args...) }
func (l *zapLogger) Errorf(format string, args ...any)  { l.s.Errorf(format, args...) }
func (l *zapLogger) Debug(args ...any)                 { l.s.Debug(args...) }
func (l *zapLogger) Debugf(format string, args ...any)  { l.s.Debugf(format, args...) }

func (l *zapLogger) WithFields(fields ...any) Logger {
	return &zapLogger{s: l.s.With(fields...)}
}

func (l *zapLogger) Sync() error { return l.s.Sync() }

// noneLogger discards everything. Used as the context default so callers
// never need a nil check.
type noneLogger struct{}

func (noneLogger) Info(args ...any)                 {}
func (noneLogger) Infof(format string, args ...any)  {}
func (noneLogger) Warn(args ...any)                 {}
func (noneLogger) Warnf(format string, args ...any)  {}
func (noneLogger) Error(args ...any)                {}
func (noneLogger) Errorf(format string, args ...any) {}
func (noneLogger) Debug(args ...any)                 {}
func (noneLogger) Debugf(format string, args ...any) {}
func (n noneLogger) WithFields(fields ...any) Logger { return n }
func (noneLogger) Sync() error                       { return nil }

// None is a Logger that discards all output.
var None Logger = noneLogger{}

type loggerContextKey struct{}

// ContextWith returns a context carrying logger, retrievable with FromContext.
func ContextWith(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// FromContext extracts the Logger stored by ContextWith, or None if absent.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
		return l
	}

	return None
}
