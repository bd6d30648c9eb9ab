package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[LogLevel]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "INFO"
}

// ParseLevel maps a case-insensitive level name to a LogLevel.
// Unknown or empty names fall back to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	case LevelFatal:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Fields are structured key/value pairs attached to a log entry.
type Fields = logrus.Fields

type Logger struct {
	level  LogLevel
	logger *logrus.Logger
}

func NewLogger(level LogLevel) *Logger {
	return NewLoggerTo(os.Stdout, level)
}

// NewLoggerTo creates a logger writing to out.
func NewLoggerTo(out io.Writer, level LogLevel) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level.logrus())
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return &Logger{
		level:  level,
		logger: l,
	}
}

// SetLevel changes the minimum level that gets written.
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
	l.logger.SetLevel(level.logrus())
}

func (l *Logger) Level() LogLevel {
	return l.level
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, nil, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, nil, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, nil, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, nil, format, args...)
}

// Fatal logs and exits the process.
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log(LevelFatal, nil, format, args...)
	os.Exit(1)
}

// InfoFields logs msg with structured fields at info level.
func (l *Logger) InfoFields(fields Fields, msg string) {
	l.log(LevelInfo, fields, "%s", msg)
}

// WarnFields logs msg with structured fields at warn level.
func (l *Logger) WarnFields(fields Fields, msg string) {
	l.log(LevelWarn, fields, "%s", msg)
}

func (l *Logger) log(level LogLevel, fields Fields, format string, args ...interface{}) {
	if level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	caller := "unknown"
	if ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	entry := l.logger.WithField("caller", caller)
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}

	message := fmt.Sprintf(format, args...)
	switch level {
	case LevelDebug:
		entry.Debug(message)
	case LevelWarn:
		entry.Warn(message)
	case LevelError:
		entry.Error(message)
	case LevelFatal:
		// logrus' Fatal would exit before the caller's os.Exit; keep exit in one place.
		entry.Log(logrus.FatalLevel, message)
	default:
		entry.Info(message)
	}
}

// FileLogger writes to a log file instead of stdout.
type FileLogger struct {
	*Logger
	file *os.File
}

func NewFileLogger(logFile string, level LogLevel) (*FileLogger, error) {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &FileLogger{
		Logger: NewLoggerTo(file, level),
		file:   file,
	}, nil
}

func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Global logger instance
var globalLogger *Logger

func InitLogger(level LogLevel) {
	globalLogger = NewLogger(level)
}

// SetLogger replaces the global logger.
func SetLogger(l *Logger) {
	globalLogger = l
}

func GetLogger() *Logger {
	if globalLogger == nil {
		globalLogger = NewLogger(LevelInfo)
	}
	return globalLogger
}

// Convenience functions
func Debug(format string, args ...interface{}) {
	GetLogger().log(LevelDebug, nil, format, args...)
}

func Info(format string, args ...interface{}) {
	GetLogger().log(LevelInfo, nil, format, args...)
}

func Warn(format string, args ...interface{}) {
	GetLogger().log(LevelWarn, nil, format, args...)
}

func Error(format string, args ...interface{}) {
	GetLogger().log(LevelError, nil, format, args...)
}

func Fatal(format string, args ...interface{}) {
	GetLogger().log(LevelFatal, nil, format, args...)
	os.Exit(1)
}

func InfoFields(fields Fields, msg string) {
	GetLogger().log(LevelInfo, fields, "%s", msg)
}

func WarnFields(fields Fields, msg string) {
	GetLogger().log(LevelWarn, fields, "%s", msg)
}
