package logstream

import (
	"log/slog"
	"strings"
)

// Level is a record severity. The set is ordered; Rank gives the order.
type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
	LevelMark  Level = "mark"
)

// Levels lists every severity in ascending order.
var Levels = []Level{LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal, LevelMark}

// Rank returns the position of l in Levels, or -1 for an unknown level.
func (l Level) Rank() int {
	for i, v := range Levels {
		if v == l {
			return i
		}
	}
	return -1
}

// ParseLevel accepts a severity name in any case. "log" maps to info and
// "warning" to warn, matching console method names.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info", "log":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	case "fatal":
		return LevelFatal, true
	case "mark":
		return LevelMark, true
	default:
		return "", false
	}
}

// slog levels for the severities slog does not define.
const (
	SlogTrace = slog.Level(-8)
	SlogFatal = slog.Level(12)
	SlogMark  = slog.Level(16)
)

// Slog maps l onto an slog.Level.
func (l Level) Slog() slog.Level {
	switch l {
	case LevelTrace:
		return SlogTrace
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelFatal:
		return SlogFatal
	case LevelMark:
		return SlogMark
	default:
		return slog.LevelInfo
	}
}

// FromSlog maps an slog.Level to the nearest severity at or below it.
func FromSlog(l slog.Level) Level {
	switch {
	case l >= SlogMark:
		return LevelMark
	case l >= SlogFatal:
		return LevelFatal
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarn
	case l >= slog.LevelInfo:
		return LevelInfo
	case l > SlogTrace:
		return LevelDebug
	default:
		return LevelTrace
	}
}
