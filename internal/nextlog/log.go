// Package nextlog is a small leveled wrapper over the standard library
// logger matching the NEXT_LOG_LEVEL taxonomy from spec.md §6. No
// third-party logging library is adopted here: see DESIGN.md for why.
package nextlog

import (
	"fmt"
	"log"
	"os"
)

// Level is one of the six levels spec.md's NEXT_LOG_LEVEL recognises.
type Level int

const (
	LevelNone Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelSpam
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelSpam:
		return "spam"
	default:
		return "unknown"
	}
}

// Logger is a leveled logger scoped to a runtime (client or server).
type Logger struct {
	level  Level
	prefix string
	out    *log.Logger
}

// New creates a Logger writing to stderr at level, prefixed with name
// (e.g. "client" or "server") the way the teacher prefixes its
// fmt.Errorf context strings.
func New(name string, level Level) *Logger {
	return &Logger{
		level:  level,
		prefix: name,
		out:    log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

// Logf logs at level if the logger's configured level is at least that
// severe. Malformed-packet drops (spec.md §7) are logged at LevelDebug;
// fallback/timeout events at LevelWarn; backend/config failures at
// LevelError; per-packet tracing at LevelSpam.
func (l *Logger) Logf(level Level, format string, args ...interface{}) {
	if l == nil || level > l.level || level == LevelNone {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s [%s] %s", l.prefix, level, msg)
}

func (l *Logger) Errorf(format string, args ...interface{}) { l.Logf(LevelError, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.Logf(LevelWarn, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.Logf(LevelInfo, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.Logf(LevelDebug, format, args...) }
func (l *Logger) Spamf(format string, args ...interface{})  { l.Logf(LevelSpam, format, args...) }

// ParseLevel parses the NEXT_LOG_LEVEL environment variable's integer
// encoding (0=NONE .. 5=SPAM), defaulting to INFO as spec.md specifies.
func ParseLevel(v int) Level {
	if v < int(LevelNone) || v > int(LevelSpam) {
		return LevelInfo
	}
	return Level(v)
}
