// Package logx is a minimal leveled wrapper over the standard library's
// log.Logger, the ambient logging stack every component (arbiter, worker,
// connection) shares. It exists only to honor --log-level; it is not a
// structured logging library.
package logx

import "log"

// Level orders the four levels the CLI accepts.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// ParseLevel maps a CLI string to a Level, defaulting to Info on anything
// unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Logger gates Debugf/Infof/Warnf/Errorf by a configured level. It adds no
// prefix of its own; callers put a component tag in the message the way
// the teacher's log.Printf("[main] ...") calls do.
type Logger struct {
	level Level
	out   *log.Logger
}

// New builds a Logger at the given level string, writing through out.
func New(level string, out *log.Logger) *Logger {
	return &Logger{level: ParseLevel(level), out: out}
}

// Printf logs unconditionally, for operational messages that should
// always be visible regardless of level (startup, shutdown, fatal
// conditions).
func (l *Logger) Printf(format string, args ...any) { l.out.Printf(format, args...) }

func (l *Logger) Debugf(format string, args ...any) {
	if l.level <= Debug {
		l.out.Printf(format, args...)
	}
}

func (l *Logger) Infof(format string, args ...any) {
	if l.level <= Info {
		l.out.Printf(format, args...)
	}
}

func (l *Logger) Warnf(format string, args ...any) {
	if l.level <= Warn {
		l.out.Printf(format, args...)
	}
}

func (l *Logger) Errorf(format string, args ...any) {
	if l.level <= Error {
		l.out.Printf(format, args...)
	}
}
