package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Log levels in ascending severity. The logger drops entries below the
// configured floor.
const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

var levelNames = map[int]string{
	levelDebug: "debug",
	levelInfo:  "info",
	levelWarn:  "warn",
	levelError: "error",
}

// ProductionLogger is the standard Logger implementation: line-delimited
// JSON (or dev-friendly text) with level filtering and a component tag.
// It is safe for concurrent use.
type ProductionLogger struct {
	mu         sync.Mutex
	out        io.Writer
	level      int
	format     string
	timeFormat string
	component  string
}

// NewProductionLogger creates a ProductionLogger from the logging and
// development configs. Development PrettyLogs forces text format and
// DebugLogging lowers the level floor to debug.
func NewProductionLogger(cfg LoggingConfig, dev DevelopmentConfig, component string) *ProductionLogger {
	if cfg.Level == "" {
		cfg = DefaultLoggingConfig()
	}

	level := parseLevel(cfg.Level)
	format := cfg.Format
	if dev.Enabled && dev.PrettyLogs {
		format = "text"
	}
	if dev.Enabled && dev.DebugLogging {
		level = levelDebug
	}

	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = "2006-01-02T15:04:05.000Z07:00"
	}

	return &ProductionLogger{
		out:        out,
		level:      level,
		format:     format,
		timeFormat: timeFormat,
		component:  component,
	}
}

func parseLevel(s string) int {
	switch strings.ToLower(s) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, msg, fields)
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, msg, fields)
}

// WithComponent returns a logger that tags every entry with the component
// name. The returned logger shares the parent's writer and level.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		out:        l.out,
		level:      l.level,
		format:     l.format,
		timeFormat: l.timeFormat,
		component:  component,
	}
}

func (l *ProductionLogger) log(level int, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	now := time.Now().Format(l.timeFormat)

	if l.format == "text" {
		l.writeText(now, level, msg, fields)
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		// Errors do not marshal to anything useful; flatten to strings.
		if err, ok := v.(error); ok {
			entry[k] = err.Error()
			continue
		}
		entry[k] = v
	}
	entry["time"] = now
	entry["level"] = levelNames[level]
	entry["message"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// A field failed to marshal; log what we can instead of dropping it.
		data, _ = json.Marshal(map[string]interface{}{
			"time":    now,
			"level":   levelNames[level],
			"message": msg,
			"error":   fmt.Sprintf("log entry not serializable: %v", err),
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(data, '\n'))
}

func (l *ProductionLogger) writeText(now string, level int, msg string, fields map[string]interface{}) {
	var b strings.Builder
	b.WriteString(now)
	b.WriteString(" [")
	b.WriteString(strings.ToUpper(levelNames[level]))
	b.WriteString("] ")
	if l.component != "" {
		b.WriteString(l.component)
		b.WriteString(": ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, b.String())
}

// Compile-time interface checks.
var (
	_ Logger               = (*ProductionLogger)(nil)
	_ ComponentAwareLogger = (*ProductionLogger)(nil)
	_ Logger               = NoOpLogger{}
	_ Telemetry            = NoOpTelemetry{}
)
