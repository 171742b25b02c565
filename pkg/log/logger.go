// Structured logging for the gantry twist calibration tools
//
// Levelled, prefixed loggers with structured fields. Output is either a
// human-readable line or one JSON object per line. Colour is only emitted
// when the destination is a terminal.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

// String returns the string representation of the log level
func (l LogLevel) String() string {
	if l < DEBUG || l > ERROR {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel parses a level name. Unknown names map to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG", "TRACE":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	FormatText OutputFormat = iota
	FormatJSON
)

// ParseFormat maps "json" to FormatJSON and anything else to FormatText.
func ParseFormat(s string) OutputFormat {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatText
}

// Fields is a map of structured logging fields
type Fields map[string]interface{}

// sink is shared by a logger and every logger derived from it, so
// prefixed children serialise their writes on the same lock.
type sink struct {
	mu     sync.Mutex
	writer io.Writer
}

// Logger writes levelled messages under a component prefix.
type Logger struct {
	out        *sink
	prefix     string
	level      LogLevel
	timeFormat string
	colorize   bool
	outFormat  OutputFormat
	fields     Fields
	caller     bool
}

// Entry is a pending log record carrying extra fields.
type Entry struct {
	logger *Logger
	fields Fields
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger

	ansiColors = map[LogLevel]string{
		DEBUG: "\x1b[36m",
		INFO:  "\x1b[32m",
		WARN:  "\x1b[33m",
		ERROR: "\x1b[31m",
	}
)

const ansiReset = "\x1b[0m"

// New creates a logger writing to stderr at INFO.
func New(prefix string) *Logger {
	return &Logger{
		out:        &sink{writer: os.Stderr},
		prefix:     prefix,
		level:      INFO,
		timeFormat: "2006-01-02 15:04:05.000",
		colorize:   os.Getenv("NO_COLOR") == "" && IsTerminal(os.Stderr),
		outFormat:  FormatText,
		fields:     Fields{},
	}
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.level
}

// SetWriter redirects output. Colour is switched off unless the new
// writer is a terminal.
func (l *Logger) SetWriter(w io.Writer) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.writer = w
	if f, ok := w.(*os.File); !ok || !IsTerminal(f) {
		l.colorize = false
	}
}

// SetTimeFormat sets the timestamp layout used by text output
func (l *Logger) SetTimeFormat(format string) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.timeFormat = format
}

// SetColorize enables or disables ANSI colour
func (l *Logger) SetColorize(enable bool) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.colorize = enable
}

// SetFormat sets the output format
func (l *Logger) SetFormat(format OutputFormat) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.outFormat = format
}

// SetCaller enables file:line annotations
func (l *Logger) SetCaller(enable bool) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.caller = enable
}

// WithPrefix returns a child logger sharing this logger's output.
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	child := *l
	child.prefix = prefix
	return &child
}

// With returns a child logger that attaches fields to every record.
func (l *Logger) With(fields Fields) *Logger {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	child := *l
	child.fields = mergeFields(l.fields, fields)
	return &child
}

// WithField returns an Entry with the given field
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

// WithFields returns an Entry with the given fields
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{logger: l, fields: mergeFields(nil, fields)}
}

// WithError returns an Entry with the error field set
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", errString(err))
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.emit(DEBUG, sprintf(msg, args), nil) }
func (l *Logger) Info(msg string, args ...interface{})  { l.emit(INFO, sprintf(msg, args), nil) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.emit(WARN, sprintf(msg, args), nil) }
func (l *Logger) Error(msg string, args ...interface{}) { l.emit(ERROR, sprintf(msg, args), nil) }

// Errorf is an alias of Error kept for call sites that read better with it.
func (l *Logger) Errorf(msg string, args ...interface{}) { l.emit(ERROR, sprintf(msg, args), nil) }

// Enabled reports whether a record at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.GetLevel()
}

// callerDepth is the stack distance from emit to the user call site,
// identical for Logger and Entry methods.
const callerDepth = 3

func (l *Logger) emit(level LogLevel, msg string, fields Fields) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if level < l.level {
		return
	}
	all := mergeFields(l.fields, fields)
	var line string
	if l.outFormat == FormatJSON {
		line = l.renderJSON(level, msg, all)
	} else {
		line = l.renderText(level, msg, all)
	}
	io.WriteString(l.out.writer, line)
}

func (l *Logger) renderText(level LogLevel, msg string, fields Fields) string {
	var sb strings.Builder
	sb.WriteString(time.Now().Format(l.timeFormat))
	fmt.Fprintf(&sb, " [%-5s] ", level)
	if l.colorize {
		sb.WriteString(ansiColors[level])
	}
	sb.WriteString(l.prefix)
	if l.colorize {
		sb.WriteString(ansiReset)
	}
	sb.WriteString(": ")
	sb.WriteString(msg)
	if l.caller {
		fmt.Fprintf(&sb, " (%s)", callerOf(callerDepth+1))
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, fields[k])
		}
		sb.WriteString("}")
	}
	sb.WriteByte('\n')
	return sb.String()
}

// JSONLogEntry is the structure of a JSON formatted record
type JSONLogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) renderJSON(level LogLevel, msg string, fields Fields) string {
	rec := JSONLogEntry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     level.String(),
		Logger:    l.prefix,
		Message:   msg,
	}
	if l.caller {
		rec.Caller = callerOf(callerDepth + 1)
	}
	if len(fields) > 0 {
		rec.Fields = fields
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Sprintf(`{"level":"ERROR","message":"unencodable log record: %v"}`+"\n", err)
	}
	return string(data) + "\n"
}

// WithField adds a field to the entry
func (e *Entry) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: e.logger, fields: mergeFields(e.fields, Fields{key: value})}
}

// WithFields adds multiple fields to the entry
func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{logger: e.logger, fields: mergeFields(e.fields, fields)}
}

// WithError adds an error field to the entry
func (e *Entry) WithError(err error) *Entry {
	return e.WithField("error", errString(err))
}

func (e *Entry) Debug(msg string) { e.logger.emit(DEBUG, msg, e.fields) }
func (e *Entry) Info(msg string)  { e.logger.emit(INFO, msg, e.fields) }
func (e *Entry) Warn(msg string)  { e.logger.emit(WARN, msg, e.fields) }
func (e *Entry) Error(msg string) { e.logger.emit(ERROR, msg, e.fields) }

func (e *Entry) Debugf(format string, args ...interface{}) {
	e.logger.emit(DEBUG, fmt.Sprintf(format, args...), e.fields)
}

func (e *Entry) Infof(format string, args ...interface{}) {
	e.logger.emit(INFO, fmt.Sprintf(format, args...), e.fields)
}

func (e *Entry) Warnf(format string, args ...interface{}) {
	e.logger.emit(WARN, fmt.Sprintf(format, args...), e.fields)
}

func (e *Entry) Errorf(format string, args ...interface{}) {
	e.logger.emit(ERROR, fmt.Sprintf(format, args...), e.fields)
}

func sprintf(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

func mergeFields(base, extra Fields) Fields {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(Fields, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

func callerOf(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// SetDefaultLogger replaces the root logger used by GetLogger.
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// GetLogger returns a component logger derived from the root logger.
func GetLogger(prefix string) *Logger {
	defaultMu.Lock()
	root := defaultLogger
	if root == nil {
		root = New("twistcal")
		ConfigureFromEnv(root)
		defaultLogger = root
	}
	defaultMu.Unlock()
	return root.WithPrefix(prefix)
}

func Debug(msg string, args ...interface{}) { GetLogger("twistcal").Debug(msg, args...) }
func Info(msg string, args ...interface{})  { GetLogger("twistcal").Info(msg, args...) }
func Warn(msg string, args ...interface{})  { GetLogger("twistcal").Warn(msg, args...) }
func Error(msg string, args ...interface{}) { GetLogger("twistcal").Error(msg, args...) }

// ConfigureFromEnv applies environment-based configuration to the logger.
//   - TWISTCAL_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - TWISTCAL_LOG_FORMAT: text, json
//   - TWISTCAL_LOG_CALLER: any non-empty value enables caller info
//   - NO_COLOR: any non-empty value disables colours
func ConfigureFromEnv(l *Logger) {
	if v := os.Getenv("TWISTCAL_LOG_LEVEL"); v != "" {
		l.SetLevel(ParseLevel(v))
	}
	if v := os.Getenv("TWISTCAL_LOG_FORMAT"); v != "" {
		l.SetFormat(ParseFormat(v))
	}
	if os.Getenv("TWISTCAL_LOG_CALLER") != "" {
		l.SetCaller(true)
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}
