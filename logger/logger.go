// Package logger provides leveled, printf-style logging on top of log/slog.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Logger writes printf-style messages to an underlying slog.Logger.
type Logger struct {
	sl *slog.Logger
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New(os.Stdout, "info", FormatText))
}

// New builds a Logger writing to w. Unknown levels fall back to info,
// unknown formats to text.
func New(w io.Writer, level, format string) *Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.ToLower(format) == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{sl: slog.New(handler)}
}

// FromSlog wraps an existing slog.Logger.
func FromSlog(sl *slog.Logger) *Logger {
	return &Logger{sl: sl}
}

// Init replaces the package-level logger.
func Init(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// GetLogger returns the package-level logger.
func GetLogger() *Logger {
	return defaultLogger.Load()
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a Logger that attaches key=value to every record.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{sl: l.sl.With(slog.Any(key, value))}
}

// Enabled reports whether records at level are emitted.
func (l *Logger) Enabled(level slog.Level) bool {
	return l.sl.Enabled(context.Background(), level)
}

// Slog exposes the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.sl
}

func (l *Logger) log(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	if !l.sl.Enabled(ctx, level) {
		return
	}
	l.sl.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...any) { l.log(slog.LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.log(slog.LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(slog.LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log(slog.LevelError, format, args...) }

func Debug(format string, args ...any) { GetLogger().Debug(format, args...) }
func Info(format string, args ...any)  { GetLogger().Info(format, args...) }
func Warn(format string, args ...any)  { GetLogger().Warn(format, args...) }
func Error(format string, args ...any) { GetLogger().Error(format, args...) }
