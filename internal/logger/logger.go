// Package logger provides structured, level-gated logging for the anonymizer.
//
// Each entry is a single console line carrying the module and the action as
// fixed fields, followed by the message:
//
//	2006-01-02T15:04:05.000Z	INFO	ENGINE	anonymize	4 spans, session 7c1e...
//
// Levels (lowest to highest): debug, info, warn, error.
// Entries below the configured minimum level are dropped by zap.
//
// Usage:
//
//	log := logger.New("vault", cfg.LogLevel)
//	log.Info("session_store", "stored session "+id)
//	log.Errorf("session_load", "read %s: %v", id, err)
//
// Callers must never pass original text, session keys or record bytes.
package logger

import (
	"fmt"
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

// New creates a Logger for the given module, gated at the given level string.
// Unrecognized level strings default to "info".
func New(module, levelStr string) *Logger {
	level := zap.NewAtomicLevelAt(parseLevel(levelStr))
	core := zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stderr), level)
	return newWithCore(module, level, core)
}

// Nop returns a Logger that discards everything. Used by tests and by
// components constructed without a logger.
func Nop() *Logger {
	return &Logger{module: "NOP", level: zap.NewAtomicLevelAt(zapcore.FatalLevel), z: zap.NewNop()}
}

func newWithCore(module string, level zap.AtomicLevel, core zapcore.Core) *Logger {
	mod := strings.ToUpper(module)
	return &Logger{
		module: mod,
		level:  level,
		z:      zap.New(core).With(zap.String("module", mod)),
	}
}

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.CallerKey = ""
	return zapcore.NewConsoleEncoder(cfg)
}

// Module returns the upper-cased module name.
func (l *Logger) Module() string { return l.module }

// Level returns the current minimum level name.
func (l *Logger) Level() string { return l.level.String() }

// SetLevel changes the minimum log level at runtime.
func (l *Logger) SetLevel(levelStr string) {
	l.level.SetLevel(parseLevel(levelStr))
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(action, msg string) { l.z.Debug(msg, zap.String("action", action)) }

// Info logs at INFO level.
func (l *Logger) Info(action, msg string) { l.z.Info(msg, zap.String("action", action)) }

// Warn logs at WARN level.
func (l *Logger) Warn(action, msg string) { l.z.Warn(msg, zap.String("action", action)) }

// Error logs at ERROR level.
func (l *Logger) Error(action, msg string) { l.z.Error(msg, zap.String("action", action)) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(action, format string, args ...any) {
	if !l.level.Enabled(zapcore.DebugLevel) {
		return
	}
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

// Fatal logs at ERROR level, flushes, and then calls os.Exit(1).
func (l *Logger) Fatal(action, msg string) {
	l.Error(action, msg)
	_ = l.z.Sync()
	os.Exit(1)
}

// Fatalf logs a formatted message at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatalf(action, format string, args ...any) {
	l.Fatal(action, fmt.Sprintf(format, args...))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error { return l.z.Sync() }

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
