// Package logger provides level-gated, module-scoped logging on top of zap.
//
// Each entry is written as a single console line:
//
//	2006-01-02 15:04:05.000 | INFO | COMPILE | pack admitted | {"action": "admit", "items": 3}
//
// Levels (lowest to highest): debug, info, warn, error.
// Entries below the configured minimum level are silently dropped.
//
// Usage:
//
//	log := logger.New("compile", cfg.LogLevel)
//	log.Info("admit", "pack admitted", zap.Int("items", len(p.Items)))
//	log.Errorf("remote_call", "engine %s: %v", engineID, err)
//
// Callers never pass user text to a logger. Fields built from arbitrary
// metadata go through Safe first.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes structured log lines for a single module.
type Logger struct {
	module string
	level  zap.AtomicLevel
	z      *zap.Logger
}

// New creates a Logger for the given module writing to stderr, gated at the
// given level string. Unrecognized level strings default to "info".
func New(module, levelStr string) *Logger {
	return newWithWriter(module, levelStr, os.Stderr)
}

func newWithWriter(module, levelStr string, w io.Writer) *Logger {
	level := zap.NewAtomicLevelAt(parseLevel(levelStr))
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.Lock(zapcore.AddSync(w)), level)
	return &Logger{
		module: strings.ToUpper(module),
		level:  level,
		z:      zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel)).Named(strings.ToUpper(module)),
	}
}

// NewWithCore wraps an existing zap core, e.g. an observer in tests.
func NewWithCore(module string, core zapcore.Core) *Logger {
	return &Logger{
		module: strings.ToUpper(module),
		level:  zap.NewAtomicLevelAt(zapcore.DebugLevel),
		z:      zap.New(core).Named(strings.ToUpper(module)),
	}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{module: "NOP", level: zap.NewAtomicLevelAt(zapcore.FatalLevel), z: zap.NewNop()}
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.ConsoleSeparator = " | "
	cfg.CallerKey = zapcore.OmitKey
	return cfg
}

// Module returns the upper-cased module name.
func (l *Logger) Module() string { return l.module }

// Zap exposes the underlying zap logger for libraries that want one.
func (l *Logger) Zap() *zap.Logger { return l.z }

// SetLevel changes the minimum log level at runtime.
func (l *Logger) SetLevel(levelStr string) {
	l.level.SetLevel(parseLevel(levelStr))
}

// With returns a child Logger that adds fields to every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{module: l.module, level: l.level, z: l.z.With(fields...)}
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(action, msg string, fields ...zap.Field) {
	l.z.Debug(msg, withAction(action, fields)...)
}

// Info logs at INFO level.
func (l *Logger) Info(action, msg string, fields ...zap.Field) {
	l.z.Info(msg, withAction(action, fields)...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(action, msg string, fields ...zap.Field) {
	l.z.Warn(msg, withAction(action, fields)...)
}

// Error logs at ERROR level.
func (l *Logger) Error(action, msg string, fields ...zap.Field) {
	l.z.Error(msg, withAction(action, fields)...)
}

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(action, format string, args ...any) {
	l.Debug(action, fmt.Sprintf(format, args...))
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(action, format string, args ...any) {
	l.Info(action, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(action, format string, args ...any) {
	l.Warn(action, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(action, format string, args ...any) {
	l.Error(action, fmt.Sprintf(format, args...))
}

// Fatal logs at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatal(action, msg string, fields ...zap.Field) {
	l.Error(action, msg, fields...)
	_ = l.z.Sync()
	os.Exit(1)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error { return l.z.Sync() }

func withAction(action string, fields []zap.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	out = append(out, zap.String("action", action))
	return append(out, fields...)
}

// parseLevel converts a string to a zap level, defaulting to info.
func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
