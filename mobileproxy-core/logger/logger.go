package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	// TRACE level for wire-level and per-callback detail
	TRACE LogLevel = iota
	// DEBUG level for detailed troubleshooting information
	DEBUG
	// INFO level for general operational information
	INFO
	// WARN level for non-critical issues
	WARN
	// ERROR level for error conditions
	ERROR
	// CRITICAL level for conditions that stop an engine from serving traffic
	CRITICAL
	// OFF disables all output
	OFF
)

var (
	// currentLevel is the current logging level
	currentLevel atomic.Int32
	// stdLogger is the standard logger instance
	stdLogger = log.New(os.Stdout, "", log.LstdFlags)

	sinkMu sync.RWMutex
	sink   func(string)
)

func init() {
	currentLevel.Store(int32(INFO))
}

// SetLevel sets the current logging level
func SetLevel(level LogLevel) {
	currentLevel.Store(int32(level))
}

// GetLevel returns the current logging level
func GetLevel() LogLevel {
	return LogLevel(currentLevel.Load())
}

func IsLevelEnabled(level LogLevel) bool {
	current := GetLevel()
	return current != OFF && level >= current
}

// SetOutput redirects log lines that are not consumed by a sink.
func SetOutput(w io.Writer) {
	stdLogger.SetOutput(w)
}

// SetSink routes every formatted line to fn instead of the output writer.
// Passing nil restores the writer.
func SetSink(fn func(string)) {
	sinkMu.Lock()
	sink = fn
	sinkMu.Unlock()
}

// GetLevelFromString converts a string level to LogLevel
func GetLevelFromString(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "CRITICAL", "FATAL":
		return CRITICAL
	case "OFF":
		return OFF
	default:
		return INFO
	}
}

// IsValidLevelString reports whether level names a known level.
func IsValidLevelString(level string) bool {
	switch strings.ToUpper(level) {
	case "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "CRITICAL", "FATAL", "OFF":
		return true
	}
	return false
}

// levelToString converts a LogLevel to its string representation
func levelToString(level LogLevel) string {
	switch level {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	case OFF:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) String() string {
	return levelToString(l)
}

// logMessage logs a message at the specified level
func logMessage(level LogLevel, format string, v ...any) {
	if !IsLevelEnabled(level) {
		return
	}

	msg := fmt.Sprintf(format, v...)

	sinkMu.RLock()
	fn := sink
	sinkMu.RUnlock()
	if fn != nil {
		fn(fmt.Sprintf("[%s] %s", levelToString(level), msg))
		return
	}

	stdLogger.Printf("[%s] %s", levelToString(level), msg)
}

// Trace logs a trace message
// Arguments are handled in the manner of [fmt.Printf].
func Trace(format string, v ...any) {
	logMessage(TRACE, format, v...)
}

// Debug logs a debug message
// Arguments are handled in the manner of [fmt.Printf].
func Debug(format string, v ...any) {
	logMessage(DEBUG, format, v...)
}

// Info logs an informational message
// Arguments are handled in the manner of [fmt.Printf].
func Info(format string, v ...any) {
	logMessage(INFO, format, v...)
}

// Warn logs a warning message
// Arguments are handled in the manner of [fmt.Printf].
func Warn(format string, v ...any) {
	logMessage(WARN, format, v...)
}

// Error logs an error message
// Arguments are handled in the manner of [fmt.Printf].
func Error(format string, v ...any) {
	logMessage(ERROR, format, v...)
}

// Critical logs a critical message
// Arguments are handled in the manner of [fmt.Printf].
func Critical(format string, v ...any) {
	logMessage(CRITICAL, format, v...)
}

// Fatal logs a critical message and exits. Only the command line uses it.
// Arguments are handled in the manner of [fmt.Printf].
func Fatal(format string, v ...any) {
	logMessage(CRITICAL, format, v...)
	os.Exit(1)
}

// WithStreamID prefixes a log message with a stream identifier
// Arguments are handled in the manner of [fmt.Printf].
func WithStreamID(streamID, format string, v ...any) string {
	return fmt.Sprintf("[%s] %s", streamID, fmt.Sprintf(format, v...))
}
