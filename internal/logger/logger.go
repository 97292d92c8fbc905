// Package logger provides the structured logging interface used across the
// store, scheduler, hook manager, execution engine and supervisor.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger is the minimal structured logging interface every component
// accepts. Fields are freeform structured data attached to one log line.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a subsystem tag its own log lines (e.g.
// "atms/store", "atms/scheduler") without threading a component string
// through every call site.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Level is a logging verbosity threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func parseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format selects the on-the-wire log line encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// New returns a Logger configured from ATMS_LOG_LEVEL / ATMS_LOG_FORMAT
// environment variables, defaulting to info/text. Writes to stderr.
func New() ComponentAwareLogger {
	level := parseLevel(os.Getenv("ATMS_LOG_LEVEL"))
	format := Format(strings.ToLower(os.Getenv("ATMS_LOG_FORMAT")))
	if format != FormatJSON {
		format = FormatText
	}
	return &structured{level: level, format: format, out: os.Stderr}
}

// structured is the concrete Logger implementation: JSON or text lines,
// each carrying a component tag and the caller's structured fields.
type structured struct {
	mu        sync.Mutex
	level     Level
	format    Format
	out       io.Writer
	component string
}

func (l *structured) WithComponent(component string) Logger {
	return &structured{level: l.level, format: l.format, out: l.out, component: component}
}

func (l *structured) enabled(lvl Level) bool { return lvl >= l.level }

func (l *structured) log(lvl Level, name string, msg string, fields map[string]interface{}) {
	if !l.enabled(lvl) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == FormatJSON {
		entry := map[string]interface{}{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": name,
			"msg":   msg,
		}
		if l.component != "" {
			entry["component"] = l.component
		}
		for k, v := range fields {
			entry[k] = v
		}
		enc, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(l.out, "%s [%s] %s (unencodable fields: %v)\n", time.Now().UTC().Format(time.RFC3339), name, msg, err)
			return
		}
		fmt.Fprintln(l.out, string(enc))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]", time.Now().UTC().Format(time.RFC3339), name)
	if l.component != "" {
		fmt.Fprintf(&b, " %s", l.component)
	}
	fmt.Fprintf(&b, " %s", msg)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	fmt.Fprintln(l.out, b.String())
}

func (l *structured) Info(msg string, f map[string]interface{})  { l.log(LevelInfo, "INFO", msg, f) }
func (l *structured) Warn(msg string, f map[string]interface{})  { l.log(LevelWarn, "WARN", msg, f) }
func (l *structured) Error(msg string, f map[string]interface{}) { l.log(LevelError, "ERROR", msg, f) }
func (l *structured) Debug(msg string, f map[string]interface{}) { l.log(LevelDebug, "DEBUG", msg, f) }

func (l *structured) InfoWithContext(_ context.Context, msg string, f map[string]interface{}) {
	l.Info(msg, f)
}
func (l *structured) WarnWithContext(_ context.Context, msg string, f map[string]interface{}) {
	l.Warn(msg, f)
}
func (l *structured) ErrorWithContext(_ context.Context, msg string, f map[string]interface{}) {
	l.Error(msg, f)
}
func (l *structured) DebugWithContext(_ context.Context, msg string, f map[string]interface{}) {
	l.Debug(msg, f)
}

// NoOp is the safe default injected into any component constructed without
// an explicit logger.
type NoOp struct{}

func (NoOp) Info(string, map[string]interface{})                              {}
func (NoOp) Warn(string, map[string]interface{})                              {}
func (NoOp) Error(string, map[string]interface{})                             {}
func (NoOp) Debug(string, map[string]interface{})                             {}
func (NoOp) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOp) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOp) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (NoOp) DebugWithContext(context.Context, string, map[string]interface{}) {}
func (NoOp) WithComponent(string) Logger                                      { return NoOp{} }

// EnsureComponent wraps a possibly-nil logger, applying a component tag when
// the logger supports it and falling back to NoOp otherwise. Mirrors the
// teacher's repeated "if cal, ok := logger.(ComponentAwareLogger)" pattern.
func EnsureComponent(l Logger, component string) Logger {
	if l == nil {
		return NoOp{}
	}
	if cal, ok := l.(ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return l
}
