package core

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel ordering for filtering
type logLevel int

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(s string) logLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return levelDebug
	case "WARN", "WARNING":
		return levelWarn
	case "ERROR":
		return levelError
	default:
		return levelInfo
	}
}

// JSONLogger writes one JSON object per line and implements
// ComponentAwareLogger. Child loggers share the writer and its mutex.
type JSONLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	level     logLevel
	service   string
	component string
}

// NewLogger creates a JSON logger writing to stdout.
func NewLogger(level, service string) *JSONLogger {
	return &JSONLogger{
		mu:      &sync.Mutex{},
		out:     os.Stdout,
		level:   parseLevel(level),
		service: service,
	}
}

// NewLoggerWithWriter creates a JSON logger with a custom writer,
// used by tests to capture output.
func NewLoggerWithWriter(level, service string, out io.Writer) *JSONLogger {
	l := NewLogger(level, service)
	l.out = out
	return l
}

// WithComponent returns a child logger that stamps every entry with the
// component name.
func (l *JSONLogger) WithComponent(component string) Logger {
	child := *l
	child.component = component
	return &child
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) { l.emit(levelDebug, msg, fields) }
func (l *JSONLogger) Info(msg string, fields map[string]interface{})  { l.emit(levelInfo, msg, fields) }
func (l *JSONLogger) Warn(msg string, fields map[string]interface{})  { l.emit(levelWarn, msg, fields) }
func (l *JSONLogger) Error(msg string, fields map[string]interface{}) { l.emit(levelError, msg, fields) }

func (l *JSONLogger) emit(level logLevel, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}
	entry := make(map[string]interface{}, len(fields)+5)
	for k, v := range fields {
		entry[k] = v
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}[level]
	entry["message"] = msg
	entry["service"] = l.service
	if l.component != "" {
		entry["component"] = l.component
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(data, '\n'))
}
