package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps LOG_LEVEL style strings to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

type Logger struct {
	name   string
	level  Level
	logger *log.Logger
	mu     sync.RWMutex
}

type Field struct {
	Key   string
	Value interface{}
}

var (
	defaultLogger *Logger
	once          sync.Once
)

func Init(level Level) {
	once.Do(func() {
		defaultLogger = newLogger("", level, os.Stderr)
	})
}

func GetLogger() *Logger {
	Init(LevelInfo)
	return defaultLogger
}

// NewLogger returns a component logger that inherits the default level.
func NewLogger(name string) *Logger {
	return newLogger(name, GetLogger().Level(), os.Stderr)
}

// New builds a standalone logger writing to w. Mostly used by tests.
func New(name string, level Level, w io.Writer) *Logger {
	return newLogger(name, level, w)
}

func newLogger(name string, level Level, w io.Writer) *Logger {
	prefix := ""
	if name != "" {
		prefix = "[" + name + "] "
	}
	return &Logger{
		name:   name,
		level:  level,
		logger: log.New(w, prefix, log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *Logger) Name() string {
	return l.name
}

func (l *Logger) Level() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.log(LevelDebug, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.log(LevelInfo, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.log(LevelWarn, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.log(LevelError, msg, fields...)
}

func (l *Logger) log(level Level, msg string, fields ...Field) {
	if l == nil || level < l.Level() {
		return
	}

	if fieldStr := formatFields(fields); fieldStr != "" {
		l.logger.Printf("[%s] %s %s", level, msg, fieldStr)
		return
	}
	l.logger.Printf("[%s] %s", level, msg)
}

func formatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}

	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(FormatValue(f.Value))
	}
	return b.String()
}

func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case string:
		if strings.ContainsAny(val, " \t\"") {
			return strconv.Quote(val)
		}
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Duration:
		return val.String()
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case error:
		return strconv.Quote(val.Error())
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func Debug(msg string, fields ...Field) {
	GetLogger().Debug(msg, fields...)
}

func Info(msg string, fields ...Field) {
	GetLogger().Info(msg, fields...)
}

func Warn(msg string, fields ...Field) {
	GetLogger().Warn(msg, fields...)
}

func Error(msg string, fields ...Field) {
	GetLogger().Error(msg, fields...)
}
