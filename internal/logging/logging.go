// Package logging defines the small leveled Logger interface used by the
// store packages (entity, cluster, convmemory), kept identical in shape
// to the teacher's pkg/core.Logger so that store-level code stays
// literally teacher-shaped. A zap-backed implementation
// (internal/logging.NewZap) is layered on top for the pipeline and
// background-task logging that wants structured fields and levels
// zap already gives for free.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the interface every store and pipeline component logs
// through. Callers supply their own implementation; nothing in this
// module assumes a particular backend.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
	With(keyvals ...any) Logger
}

type writerLogger struct {
	mu       sync.Mutex
	writer   io.Writer
	minLevel Level
	keyvals  []any
}

// NewWriter creates a Logger that writes leveled, key=value lines to w.
func NewWriter(w io.Writer, minLevel Level) Logger {
	return &writerLogger{writer: w, minLevel: minLevel}
}

// NewStdout creates a Logger writing to os.Stdout.
func NewStdout(minLevel Level) Logger {
	return NewWriter(os.Stdout, minLevel)
}

func (l *writerLogger) Debug(msg string, kv ...any) { l.log(LevelDebug, msg, kv...) }
func (l *writerLogger) Info(msg string, kv ...any)  { l.log(LevelInfo, msg, kv...) }
func (l *writerLogger) Warn(msg string, kv ...any)  { l.log(LevelWarn, msg, kv...) }
func (l *writerLogger) Error(msg string, kv ...any) { l.log(LevelError, msg, kv...) }

func (l *writerLogger) With(kv ...any) Logger {
	merged := make([]any, 0, len(l.keyvals)+len(kv))
	merged = append(merged, l.keyvals...)
	merged = append(merged, kv...)
	return &writerLogger{writer: l.writer, minLevel: l.minLevel, keyvals: merged}
}

func (l *writerLogger) log(level Level, msg string, kv ...any) {
	if level < l.minLevel {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.writer, "%s [%s]", time.Now().Format("2006-01-02 15:04:05.000"), level)
	for i := 0; i+1 < len(l.keyvals); i += 2 {
		fmt.Fprintf(l.writer, " %v=%v", l.keyvals[i], l.keyvals[i+1])
	}
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(l.writer, " %v=%v", kv[i], kv[i+1])
	}
	fmt.Fprintf(l.writer, ": %s\n", msg)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)    {}
func (nopLogger) Info(string, ...any)     {}
func (nopLogger) Warn(string, ...any)     {}
func (nopLogger) Error(string, ...any)    {}
func (n nopLogger) With(...any) Logger    { return n }

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }
