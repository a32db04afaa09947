// Package logging provides the structured JSON logger shared by every
// control-plane component.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Field is a key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

// Logger is the interface components log through.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// With returns a child logger that prepends fields to every entry.
	With(fields ...Field) Logger
	SetLevel(level Level)
	GetLevel() Level
}

// Entry is one JSON log line.
type Entry struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// sink is shared by a logger and all of its children so that concurrent
// writes from different components never interleave within a line.
type sink struct {
	mu    sync.Mutex
	w     io.Writer
	level Level
}

// JSONLogger writes one JSON object per line.
type JSONLogger struct {
	out    *sink
	fields []Field
}

// NewJSONLogger creates a logger writing entries at or above level to w.
func NewJSONLogger(w io.Writer, level Level) *JSONLogger {
	return &JSONLogger{out: &sink{w: w, level: level}}
}

func (l *JSONLogger) write(level Level, msg string, fields []Field) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if level < l.out.level {
		return
	}

	entry := Entry{
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Level:   level.String(),
		Message: msg,
	}
	if n := len(l.fields) + len(fields); n > 0 {
		entry.Fields = make(map[string]any, n)
		for _, f := range l.fields {
			entry.Fields[f.Key] = f.Value
		}
		for _, f := range fields {
			entry.Fields[f.Key] = f.Value
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.out.w, `{"level":"ERROR","msg":"log marshal failed","fields":{"error":%q}}`+"\n", err.Error())
		return
	}
	data = append(data, '\n')
	_, _ = l.out.w.Write(data)
}

func (l *JSONLogger) Debug(msg string, fields ...Field) { l.write(DebugLevel, msg, fields) }
func (l *JSONLogger) Info(msg string, fields ...Field)  { l.write(InfoLevel, msg, fields) }
func (l *JSONLogger) Warn(msg string, fields ...Field)  { l.write(WarnLevel, msg, fields) }
func (l *JSONLogger) Error(msg string, fields ...Field) { l.write(ErrorLevel, msg, fields) }

// With returns a child logger. The child shares the parent's writer and level.
func (l *JSONLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &JSONLogger{out: l.out, fields: merged}
}

// SetLevel changes the minimum level for this logger and all its children.
func (l *JSONLogger) SetLevel(level Level) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.level = level
}

func (l *JSONLogger) GetLevel() Level {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.level
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...Field) {}
func (NopLogger) Info(string, ...Field)  {}
func (NopLogger) Warn(string, ...Field)  {}
func (NopLogger) Error(string, ...Field) {}
func (n NopLogger) With(...Field) Logger { return n }
func (NopLogger) SetLevel(Level)         {}
func (NopLogger) GetLevel() Level        { return ErrorLevel }

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger
)

// Default returns the process-wide logger. It writes to stderr at the level
// named by LOG_LEVEL (INFO when unset).
func Default() Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewJSONLogger(os.Stderr, ParseLevel(os.Getenv("LOG_LEVEL")))
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// ForComponent returns l scoped to a component, falling back to the default
// logger when l is nil.
func ForComponent(l Logger, name string) Logger {
	if l == nil {
		l = Default()
	}
	return l.With(Component(name))
}
