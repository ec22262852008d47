// Package log wraps [log/slog] with the package-level helpers used across
// the bridge, plus [Logger] adapters for the paho MQTT client.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

type Handler = slog.Handler

// Logger is the printf-style interface the paho client logs through.
type Logger interface {
	Println(v ...any)
	Printf(format string, v ...any)
}

var (
	levelVar      slog.LevelVar
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &levelVar}))
)

// SetLogLevel sets the minimum level emitted by the default logger.
func SetLogLevel(l Level) {
	levelVar.Set(slog.Level(l))
}

// SetJSONHandler switches the default logger to JSON output on w.
func SetJSONHandler(w io.Writer) {
	defaultLogger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: &levelVar}))
}

// SetTextHandler switches the default logger to text output on w.
func SetTextHandler(w io.Writer) {
	defaultLogger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &levelVar}))
}

// SetHandler sets the default logger's handler to the one given.
func SetHandler(h Handler) {
	defaultLogger = slog.New(h)
}

// With adds attributes to every record logged through this package.
func With(args ...any) {
	defaultLogger = defaultLogger.With(args...)
}

// Error logs msg at [LevelError] with err attached as the cause.
func Error(msg string, err error, args ...any) {
	if err != nil {
		args = append([]any{"cause", err}, args...)
	}
	defaultLogger.Error(msg, args...)
}

// Fatal logs like [Error] then exits with status 1.
func Fatal(msg string, err error, args ...any) {
	Error(msg, err, args...)
	os.Exit(1)
}

func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

type errorLogger struct{}

// ErrorLogger returns a [Logger] that logs at [LevelError].
func ErrorLogger() Logger { return errorLogger{} }

func (errorLogger) Println(v ...any)               { defaultLogger.Error(fmt.Sprintln(v...)) }
func (errorLogger) Printf(format string, v ...any) { defaultLogger.Error(fmt.Sprintf(format, v...)) }

type warnLogger struct{}

// WarnLogger returns a [Logger] that logs at [LevelWarn].
func WarnLogger() Logger { return warnLogger{} }

func (warnLogger) Println(v ...any)               { Warn(fmt.Sprintln(v...)) }
func (warnLogger) Printf(format string, v ...any) { Warn(fmt.Sprintf(format, v...)) }

type debugLogger struct{}

// DebugLogger returns a [Logger] that logs at [LevelDebug].
func DebugLogger() Logger { return debugLogger{} }

func (debugLogger) Println(v ...any)               { Debug(fmt.Sprintln(v...)) }
func (debugLogger) Printf(format string, v ...any) { Debug(fmt.Sprintf(format, v...)) }
