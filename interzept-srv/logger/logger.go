package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	// TRACE level for wire-level detail (frames, attribute transitions)
	TRACE LogLevel = iota
	// DEBUG level for detailed troubleshooting information
	DEBUG
	// INFO level for general operational information
	INFO
	// WARN level for non-critical issues
	WARN
	// ERROR level for error conditions
	ERROR
	// FATAL level for critical errors that prevent operation
	FATAL
)

var (
	currentLevel atomic.Int32
	stdLogger    = log.New(os.Stdout, "", log.LstdFlags)
	exitFunc     = os.Exit
)

func init() {
	currentLevel.Store(int32(INFO))
}

// SetLevel sets the current logging level
func SetLevel(level LogLevel) {
	currentLevel.Store(int32(level))
}

// GetLevel returns the current logging level.
func GetLevel() LogLevel {
	return LogLevel(currentLevel.Load())
}

// SetOutput redirects all log output, mostly useful in tests.
func SetOutput(w io.Writer) {
	stdLogger.SetOutput(w)
}

func IsLevelEnabled(level LogLevel) bool {
	return level >= GetLevel()
}

// GetLevelFromString converts a string level to LogLevel
func GetLevelFromString(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
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
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

func (l LogLevel) String() string {
	switch l {
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
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func logMessage(level LogLevel, prefix, format string, v ...any) {
	if !IsLevelEnabled(level) {
		return
	}

	msg := fmt.Sprintf(format, v...)
	if prefix != "" {
		stdLogger.Printf("[%s] %s %s", level, prefix, msg)
		return
	}
	stdLogger.Printf("[%s] %s", level, msg)
}

// Trace logs a trace message.
// Arguments are handled in the manner of [fmt.Printf].
func Trace(format string, v ...any) {
	logMessage(TRACE, "", format, v...)
}

// Debug logs a debug message
// Arguments are handled in the manner of [fmt.Printf].
func Debug(format string, v ...any) {
	logMessage(DEBUG, "", format, v...)
}

// Info logs an informational message
// Arguments are handled in the manner of [fmt.Printf].
func Info(format string, v ...any) {
	logMessage(INFO, "", format, v...)
}

// Warn logs a warning message
// Arguments are handled in the manner of [fmt.Printf].
func Warn(format string, v ...any) {
	logMessage(WARN, "", format, v...)
}

// Error logs an error message
// Arguments are handled in the manner of [fmt.Printf].
func Error(format string, v ...any) {
	logMessage(ERROR, "", format, v...)
}

// Fatal logs a fatal message and exits
// Arguments are handled in the manner of [fmt.Printf].
func Fatal(format string, v ...any) {
	logMessage(FATAL, "", format, v...)
	exitFunc(1)
}

// ChannelLogger prefixes every line with the id of the channel it belongs to.
type ChannelLogger struct {
	prefix string
}

// ForChannel returns a logger scoped to one client channel.
func ForChannel(id string) *ChannelLogger {
	return &ChannelLogger{prefix: "[ch=" + id + "]"}
}

func (c *ChannelLogger) Trace(format string, v ...any) { logMessage(TRACE, c.prefix, format, v...) }
func (c *ChannelLogger) Debug(format string, v ...any) { logMessage(DEBUG, c.prefix, format, v...) }
func (c *ChannelLogger) Info(format string, v ...any)  { logMessage(INFO, c.prefix, format, v...) }
func (c *ChannelLogger) Warn(format string, v ...any)  { logMessage(WARN, c.prefix, format, v...) }
func (c *ChannelLogger) Error(format string, v ...any) { logMessage(ERROR, c.prefix, format, v...) }
