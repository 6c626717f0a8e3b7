// Package log wraps log/slog with component-tagged helpers and a TRACE
// level. LOG_LEVEL and LOG_FORMAT (text or json) are read at startup.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LevelTrace sits below debug and is used for per-write storage detail
const LevelTrace = slog.Level(-8)

var levelNames = map[string]slog.Level{
	"error":   slog.LevelError,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"info":    slog.LevelInfo,
	"":        slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"trace":   LevelTrace,
}

var (
	level atomic.Int64

	outputMu sync.Mutex
	output   io.Writer = os.Stderr
)

func init() {
	l, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		l = slog.LevelInfo
	}
	level.Store(int64(l))
	install()
}

func parseLevel(s string) (slog.Level, error) {
	l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
	return l, nil
}

func currentLevel() slog.Level {
	return slog.Level(level.Load())
}

// newHandler builds the text or JSON handler. Both render TRACE by name;
// JSON output uses an RFC3339 "timestamp" key for log shippers.
func newHandler(w io.Writer, l slog.Level, jsonFormat bool) slog.Handler {
	timeAttr := func(a slog.Attr) slog.Attr {
		if jsonFormat {
			return slog.String("timestamp", a.Value.Time().UTC().Format(time.RFC3339Nano))
		}
		return slog.String(slog.TimeKey, a.Value.Time().Format("2006-01-02 15:04:05.000-07:00"))
	}

	opts := &slog.HandlerOptions{
		Level: l,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				return timeAttr(a)
			case slog.LevelKey:
				if lv, ok := a.Value.Any().(slog.Level); ok && lv == LevelTrace {
					return slog.String(slog.LevelKey, "TRACE")
				}
			}
			return a
		},
	}

	if jsonFormat {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// install swaps the default logger for one at the current level and output
func install() {
	outputMu.Lock()
	w := output
	outputMu.Unlock()

	jsonFormat := strings.EqualFold(os.Getenv("LOG_FORMAT"), "json")
	slog.SetDefault(slog.New(newHandler(w, currentLevel(), jsonFormat)))
}

// SetOutput redirects log output, mostly for tests that assert on log lines
func SetOutput(w io.Writer) {
	outputMu.Lock()
	output = w
	outputMu.Unlock()
	install()
}

// SetLogLevel updates the log level at runtime
func SetLogLevel(name string) error {
	l, err := parseLevel(name)
	if err != nil {
		return err
	}
	level.Store(int64(l))
	install()

	LogDebugWithFields("logging", "Log level changed", map[string]any{
		"level": GetLogLevel(),
	})
	return nil
}

// GetLogLevel returns the current log level name
func GetLogLevel() string {
	switch currentLevel() {
	case slog.LevelError:
		return "error"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelInfo:
		return "info"
	case slog.LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

// Redact describes a credential without revealing it. Tokens relayed by the
// handoff must only ever reach the logs through this helper.
func Redact(secret string) string {
	if secret == "" {
		return "<empty>"
	}
	return fmt.Sprintf("<redacted len=%d>", len(secret))
}

func Logf(format string, args ...any) {
	slog.Info(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
}

func LogWarn(format string, args ...any) {
	slog.Warn(fmt.Sprintf(format, args...))
}

func attrs(component string, fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "component", component)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func LogInfoWithFields(component, message string, fields map[string]any) {
	slog.Info(message, attrs(component, fields)...)
}

func LogDebugWithFields(component, message string, fields map[string]any) {
	slog.Debug(message, attrs(component, fields)...)
}

func LogErrorWithFields(component, message string, fields map[string]any) {
	slog.Error(message, attrs(component, fields)...)
}

func LogWarnWithFields(component, message string, fields map[string]any) {
	slog.Warn(message, attrs(component, fields)...)
}

// LogTraceWithFields skips building attributes unless TRACE is enabled
func LogTraceWithFields(component, message string, fields map[string]any) {
	if currentLevel() > LevelTrace {
		return
	}
	slog.Log(context.Background(), LevelTrace, message, attrs(component, fields)...)
}
