package logger

import "strings"

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelFatal
)

var levelNames = [...]string{"DEBUG", "INFO", "WARNING", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelFatal {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// levelOf maps a category to its severity. Categories prefixed with
// "debug" are debug level; "error" and "warning" are always emitted.
func levelOf(category string) Level {
	switch {
	case category == "error":
		return LevelError
	case category == "warning":
		return LevelWarning
	case strings.HasPrefix(category, "debug"):
		return LevelDebug
	}
	return LevelInfo
}

func validCategory(category string) bool {
	if category == "" {
		return false
	}
	return strings.IndexFunc(category, func(r rune) bool { return r >= 'A' && r <= 'Z' }) < 0
}
