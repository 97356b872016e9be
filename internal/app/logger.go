package app

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Logger interface for app layer
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

type logLevel int

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
	levelOff
)

func parseLevel(s string) logLevel {
	switch strings.ToLower(s) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	case "off", "silent":
		return levelOff
	default:
		return levelInfo
	}
}

// stderrLogger writes leveled lines to a single writer
type stderrLogger struct {
	output io.Writer
	min    logLevel
}

// NewLogger creates a logger filtering below the named level.
// Unknown level names fall back to info.
func NewLogger(output io.Writer, level string) Logger {
	if output == nil {
		output = os.Stderr
	}
	return &stderrLogger{output: output, min: parseLevel(level)}
}

func (l *stderrLogger) log(level logLevel, prefix, format string, args ...interface{}) {
	if level < l.min {
		return
	}
	fmt.Fprintf(l.output, prefix+format+"\n", args...)
}

func (l *stderrLogger) Debug(format string, args ...interface{}) {
	l.log(levelDebug, "DEBUG: ", format, args...)
}

func (l *stderrLogger) Info(format string, args ...interface{}) {
	l.log(levelInfo, "INFO: ", format, args...)
}

func (l *stderrLogger) Warn(format string, args ...interface{}) {
	l.log(levelWarn, "WARN: ", format, args...)
}

func (l *stderrLogger) Error(format string, args ...interface{}) {
	l.log(levelError, "ERROR: ", format, args...)
}
