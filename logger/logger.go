package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
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

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	InvoiceID string                 `json:"invoice_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Logger is a leveled structured logger. Child loggers created with
// WithField/WithFields share the parent's output and options.
type Logger struct {
	opts   *options
	fields map[string]interface{}
}

type options struct {
	mu            sync.RWMutex
	level         LogLevel
	output        io.Writer
	component     string
	jsonFormat    bool
	includeCaller bool
	exit          func(int)
}

var (
	globalLogger *Logger
	once         sync.Once
)

// New creates a logger writing JSON lines to stdout at INFO.
func New() *Logger {
	return &Logger{
		opts: &options{
			level:         INFO,
			output:        os.Stdout,
			jsonFormat:    true,
			includeCaller: true,
			exit:          os.Exit,
		},
		fields: map[string]interface{}{},
	}
}

// NewWithWriter is New with a custom destination; used by tests.
func NewWithWriter(w io.Writer, level LogLevel) *Logger {
	l := New()
	l.opts.output = w
	l.opts.level = level
	l.opts.includeCaller = false
	return l
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	once.Do(func() {
		globalLogger = New()
	})
	return globalLogger
}

// Or returns l, or the global logger when l is nil.
func Or(l *Logger) *Logger {
	if l == nil {
		return GetLogger()
	}
	return l
}

// Configure applies LOG_LEVEL / LOG_FORMAT style settings to the global logger.
func Configure(level, format, component string) error {
	g := GetLogger()
	if level != "" {
		lv, err := ParseLevel(level)
		if err != nil {
			return err
		}
		g.SetLevel(lv)
	}
	g.SetJSONFormat(!strings.EqualFold(format, "text"))
	if component != "" {
		g.SetComponent(component)
	}
	return nil
}

func (l *Logger) SetLevel(level LogLevel) {
	l.opts.mu.Lock()
	defer l.opts.mu.Unlock()
	l.opts.level = level
}

func (l *Logger) SetOutput(w io.Writer) {
	l.opts.mu.Lock()
	defer l.opts.mu.Unlock()
	l.opts.output = w
}

func (l *Logger) SetJSONFormat(enabled bool) {
	l.opts.mu.Lock()
	defer l.opts.mu.Unlock()
	l.opts.jsonFormat = enabled
}

// SetComponent sets the process/component name stamped on every entry.
func (l *Logger) SetComponent(name string) {
	l.opts.mu.Lock()
	defer l.opts.mu.Unlock()
	l.opts.component = name
}

func (l *Logger) SetIncludeCaller(enabled bool) {
	l.opts.mu.Lock()
	defer l.opts.mu.Unlock()
	l.opts.includeCaller = enabled
}

// WithField creates a child logger with an additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithFields creates a child logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	child := &Logger{
		opts:   l.opts,
		fields: make(map[string]interface{}, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

// Enabled reports whether entries at level are written.
func (l *Logger) Enabled(level LogLevel) bool {
	l.opts.mu.RLock()
	defer l.opts.mu.RUnlock()
	return level >= l.opts.level
}

func (l *Logger) log(level LogLevel, msg string, err error) {
	l.opts.mu.RLock()
	defer l.opts.mu.RUnlock()

	if level < l.opts.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
		Component: l.opts.component,
	}
	if len(l.fields) > 0 {
		entry.Fields = make(map[string]interface{}, len(l.fields))
		for k, v := range l.fields {
			if k == "invoice_id" {
				entry.InvoiceID = fmt.Sprint(v)
				continue
			}
			entry.Fields[k] = v
		}
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if l.opts.includeCaller {
		if _, file, line, ok := runtime.Caller(2); ok {
			entry.Caller = fmt.Sprintf("%s:%d", trimPath(file), line)
		}
	}

	if l.opts.jsonFormat {
		l.writeJSON(entry)
	} else {
		l.writeText(entry)
	}

	if level == FATAL {
		l.opts.exit(1)
	}
}

func (l *Logger) writeJSON(entry LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("Failed to marshal log entry: %v", err)
		return
	}
	fmt.Fprintln(l.opts.output, string(data))
}

func (l *Logger) writeText(entry LogEntry) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] ", entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Level)
	if entry.Component != "" {
		fmt.Fprintf(&b, "[%s] ", entry.Component)
	}
	if entry.InvoiceID != "" {
		fmt.Fprintf(&b, "[%s] ", entry.InvoiceID)
	}
	b.WriteString(entry.Message)
	if entry.Error != "" {
		fmt.Fprintf(&b, " error=%s", entry.Error)
	}

	// stable field order keeps text logs diffable
	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
	}
	if entry.Caller != "" {
		fmt.Fprintf(&b, " caller=%s", entry.Caller)
	}
	fmt.Fprintln(l.opts.output, b.String())
}

func trimPath(file string) string {
	idx := strings.LastIndex(file, "/")
	if idx < 0 {
		return file
	}
	idx = strings.LastIndex(file[:idx], "/")
	if idx < 0 {
		return file
	}
	return file[idx+1:]
}

func (l *Logger) Debug(msg string) { l.log(DEBUG, msg, nil) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Info(msg string) { l.log(INFO, msg, nil) }

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Warn(msg string) { l.log(WARN, msg, nil) }

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}

// Error logs an error message with its cause
func (l *Logger) Error(msg string, err error) { l.log(ERROR, msg, err) }

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Fatal logs and exits the process
func (l *Logger) Fatal(msg string, err error) { l.log(FATAL, msg, err) }

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(FATAL, fmt.Sprintf(format, args...), nil)
}

// Global logging functions

func Debugf(format string, args ...interface{}) { GetLogger().Debugf(format, args...) }
func Info(msg string)                           { GetLogger().Info(msg) }
func Infof(format string, args ...interface{})  { GetLogger().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { GetLogger().Warnf(format, args...) }
func Error(msg string, err error)               { GetLogger().Error(msg, err) }
func Fatal(msg string, err error)               { GetLogger().Fatal(msg, err) }

// ParseLevel parses a string log level
func ParseLevel(levelStr string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", levelStr)
	}
}
