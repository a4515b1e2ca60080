package log

import (
	"fmt"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	logger     *stdlog.Logger
	loggerOnce sync.Once

	levelMu  sync.RWMutex
	minLevel = LevelInfo
)

// initLogger initializes the global logger to write to stderr.
func initLogger() {
	loggerOnce.Do(func() {
		logger = stdlog.New(os.Stderr, "", 0)
	})
}

func SetLevel(l Level) {
	initLogger()
	levelMu.Lock()
	minLevel = l
	levelMu.Unlock()
}

// ParseLevel maps a config string ("debug", "info", ...) to a Level.
// Unknown values yield LevelInfo and ok=false.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO", "":
		return LevelInfo, true
	case "WARN", "WARNING":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

func Debug(msg string, kv ...any) {
	logWithLevel(LevelDebug, "", msg, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(LevelInfo, "", msg, kv...)
}

func Warn(msg string, kv ...any) {
	logWithLevel(LevelWarn, "", msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	extended := append([]any{"err", err}, kv...)
	logWithLevel(LevelError, "", msg, extended...)
}

// Logger tags every line with a component name, e.g. "[cache]".
type Logger struct {
	component string
}

// Named returns a component-scoped logger.
func Named(component string) Logger {
	return Logger{component: component}
}

func (l Logger) Debug(msg string, kv ...any) {
	logWithLevel(LevelDebug, l.component, msg, kv...)
}

func (l Logger) Info(msg string, kv ...any) {
	logWithLevel(LevelInfo, l.component, msg, kv...)
}

func (l Logger) Warn(msg string, kv ...any) {
	logWithLevel(LevelWarn, l.component, msg, kv...)
}

func (l Logger) Error(msg string, err error, kv ...any) {
	extended := append([]any{"err", err}, kv...)
	logWithLevel(LevelError, l.component, msg, extended...)
}

func logWithLevel(level Level, component, msg string, kv ...any) {
	initLogger()
	if !enabled(level) {
		return
	}
	logger.Println(formatLine(time.Now(), level, component, msg, kv...))
}

// formatLine renders one line:
//
//	2025-01-01T00:00:00Z [LEVEL] [component] msg key=value ...
func formatLine(ts time.Time, level Level, component, msg string, kv ...any) string {
	var b strings.Builder
	b.WriteString(ts.Format(time.RFC3339Nano))
	b.WriteString(" [")
	b.WriteString(string(level))
	b.WriteString("] ")
	if component != "" {
		b.WriteString("[")
		b.WriteString(component)
		b.WriteString("] ")
	}
	b.WriteString(msg)
	b.WriteString(formatKVs(kv...))
	return b.String()
}

func rank(l Level) int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

func enabled(level Level) bool {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return rank(level) >= rank(minLevel)
}

func formatKVs(kv ...any) string {
	var b strings.Builder
	// Expect kv as pairs: key, value, key, value, ...
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		val := fmt.Sprint(kv[i+1])
		if strings.ContainsAny(val, " \t\"") {
			val = fmt.Sprintf("%q", val)
		}
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(val)
	}
	// If odd number of args, last one is ignored.
	return b.String()
}
