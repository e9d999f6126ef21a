// Package logger provides leveled, category-tagged logging for the framework.
//
// Call sites tag each line with a short category ("loader", "dispatch",
// "socket") so operator logs can be filtered per subsystem without a
// structured logging dependency.
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	mu    sync.Mutex
	level = INFO
	out   io.Writer = os.Stderr
)

// SetLevel sets the global minimum log level.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

func logC(l Level, category, msg string, fields map[string]any) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	line := fmt.Sprintf("%s [%s] [%s] %s", ts, l, category, msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
		}
		line += " | " + strings.Join(parts, " ")
	}
	fmt.Fprintln(out, line)
}

// DebugC logs a debug message with a category tag.
func DebugC(category, format string, args ...any) {
	logC(DEBUG, category, fmt.Sprintf(format, args...), nil)
}

// InfoC logs an info message with a category tag.
func InfoC(category, format string, args ...any) {
	logC(INFO, category, fmt.Sprintf(format, args...), nil)
}

// WarnC logs a warning with a category tag.
func WarnC(category, format string, args ...any) {
	logC(WARN, category, fmt.Sprintf(format, args...), nil)
}

// ErrorC logs an error with a category tag.
func ErrorC(category, format string, args ...any) {
	logC(ERROR, category, fmt.Sprintf(format, args...), nil)
}

// InfoCF logs an info message with structured fields.
func InfoCF(category, msg string, fields map[string]any) {
	logC(INFO, category, msg, fields)
}

// WarnCF logs a warning with structured fields.
func WarnCF(category, msg string, fields map[string]any) {
	logC(WARN, category, msg, fields)
}

// ErrorCF logs an error with structured fields.
func ErrorCF(category, msg string, fields map[string]any) {
	logC(ERROR, category, msg, fields)
}

// DebugCF logs a debug message with structured fields.
func DebugCF(category, msg string, fields map[string]any) {
	logC(DEBUG, category, msg, fields)
}
