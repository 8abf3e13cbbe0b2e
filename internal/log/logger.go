// Package log provides a global logger with configurable logging level, plus component-scoped
// loggers that prefix every line with the name of the subsystem that produced it.

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Logs anomalies that are not expected to occur during normal use.
	LevelWarning              // Logs anomalies that are expected to occur occasionally, e.g. a missing radio.
	LevelInfo                 // Logs major events: scans, connections.
	LevelDebug                // Logs every advertisement and every dropped sample.
)

var globalLogLevel = LevelInfo
var output io.Writer = os.Stderr
var logMutex sync.Mutex

var labels = map[Level]string{
	LevelDebug:   "[debug]",
	LevelInfo:    "[info ]",
	LevelWarning: "[warn ]",
	LevelError:   "[error]",
}

var levelNames = map[string]Level{
	"none":    LevelNone,
	"off":     LevelNone,
	"error":   LevelError,
	"warn":    LevelWarning,
	"warning": LevelWarning,
	"info":    LevelInfo,
	"debug":   LevelDebug,
}

// ParseLevel converts a level name such as "debug" or "warn" into a Level.
func ParseLevel(name string) (Level, error) {
	if level, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return level, nil
	}
	return LevelNone, fmt.Errorf("unknown log level '%s'", name)
}

func (l Level) String() string {
	for name, level := range levelNames {
		if level == l && name != "off" && name != "warning" {
			return name
		}
	}
	return "unknown"
}

func SetLevel(level Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	globalLogLevel = level
}

// SetOutput redirects log lines to w. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

func logLevel() Level {
	logMutex.Lock()
	defer logMutex.Unlock()
	return globalLogLevel
}

func log(level Level, component string, format string, a ...interface{}) {
	if level > logLevel() {
		return
	}
	msg := fmt.Sprintf("%s %s ", time.Now().Format(time.RFC3339), labels[level])
	if component != "" {
		msg += "[" + component + "] "
	}
	msg += fmt.Sprintf(format, a...)

	logMutex.Lock()
	defer logMutex.Unlock()
	fmt.Fprintln(output, msg)
}

func Debug(format string, a ...interface{}) {
	log(LevelDebug, "", format, a...)
}
func Info(format string, a ...interface{}) {
	log(LevelInfo, "", format, a...)
}
func Warning(format string, a ...interface{}) {
	log(LevelWarning, "", format, a...)
}
func Error(format string, a ...interface{}) {
	log(LevelError, "", format, a...)
}

// Logger writes through the global level and output, tagging lines with a component name.
type Logger struct {
	component string
}

// For returns a Logger for the named component, e.g. log.For("orchestrator").
func For(component string) Logger {
	return Logger{component: component}
}

func (l Logger) Debug(format string, a ...interface{}) {
	log(LevelDebug, l.component, format, a...)
}
func (l Logger) Info(format string, a ...interface{}) {
	log(LevelInfo, l.component, format, a...)
}
func (l Logger) Warning(format string, a ...interface{}) {
	log(LevelWarning, l.component, format, a...)
}
func (l Logger) Error(format string, a ...interface{}) {
	log(LevelError, l.component, format, a...)
}
