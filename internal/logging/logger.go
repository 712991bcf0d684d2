// Package logging is the leveled text sink shared by the watcher, the event
// filter and the repository. Lines are free-form and never parsed back.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// prefix is the fixed-width tag written before every message.
func (l Level) prefix() string {
	switch l {
	case LevelDebug:
		return "[DEBUG] "
	case LevelWarning:
		return "[WARN ] "
	case LevelError:
		return "[ERROR] "
	default:
		return "[INFO ] "
	}
}

// ParseLevel maps a config string to a Level.
func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, true
	case "", "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

// Logger writes prefixed lines to a stdlib log.Logger and, optionally, to a
// line sink (a front-end log view, a test recorder). A nil *Logger discards
// everything, so components can take one without nil checks.
type Logger struct {
	output   *log.Logger
	minLevel Level

	mu   sync.Mutex
	sink func(line string)
}

// New creates a Logger writing to w. A nil w discards output.
func New(w io.Writer, minLevel Level) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{
		output:   log.New(w, "", log.LstdFlags),
		minLevel: minLevel,
	}
}

// SetSink installs fn to receive every emitted line (without the timestamp).
func (l *Logger) SetSink(fn func(line string)) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.sink = fn
	l.mu.Unlock()
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return level >= l.minLevel
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarning, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	line := level.prefix() + fmt.Sprintf(format, args...)
	l.output.Print(line)

	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()
	if sink != nil {
		sink(line)
	}
}
