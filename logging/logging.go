// Package logging provides the levelled console logger used by the sync engine
// and the store backends. Each component derives its own logger with
// WithComponent so lines can be attributed to a store or a key.
//
// Lines look like:
//
//	DEBUG 2025-01-02T15:04:05.000Z [synced] write_applied key=prefs revision=7
package logging

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

func (l Level) rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// ParseLevel converts a configuration string into a Level.
// Matching is case-insensitive; an empty string means INFO.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return LevelInfo, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// Fields are key=value pairs appended to a line, sorted by key.
type Fields map[string]interface{}

// sink is the destination shared by a logger and everything derived from it.
type sink struct {
	mu  sync.Mutex
	out io.Writer
	min Level
}

// Logger writes levelled lines tagged with a component name. Loggers derived
// with WithComponent share their parent's output and level.
type Logger struct {
	sink      *sink
	component string
}

// New creates a logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{sink: &sink{out: os.Stdout, min: LevelInfo}}
}

// OrDefault derives a logger for component from l, or from a new logger when
// l is nil.
func OrDefault(l *Logger, component string) *Logger {
	if l == nil {
		l = New()
	}
	return l.WithComponent(component)
}

// WithComponent returns a logger that tags its lines with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component}
}

// Component returns the component name attached to the logger.
func (l *Logger) Component() string {
	return l.component
}

// SetLevel sets the minimum level for this logger and every logger sharing
// its output.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.min = level
	l.sink.mu.Unlock()
}

// SetOutput redirects this logger and every logger sharing its output.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.out = w
	l.sink.mu.Unlock()
}

// Enabled reports whether lines at level are written.
func (l *Logger) Enabled(level Level) bool {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return level.rank() >= l.sink.min.rank()
}

func (l *Logger) Debug(msg string, fields ...Fields) { l.write(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields ...Fields)  { l.write(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Fields)  { l.write(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields ...Fields) { l.write(LevelError, msg, fields) }

func (l *Logger) write(level Level, msg string, fields []Fields) {
	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %s ", level, time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
	if l.component != "" {
		b.WriteString("[" + l.component + "] ")
	}
	b.WriteString(msg)
	for _, f := range fields {
		for _, k := range slices.Sorted(maps.Keys(f)) {
			fmt.Fprintf(&b, " %s=%v", k, f[k])
		}
	}
	b.WriteByte('\n')

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if level.rank() < l.sink.min.rank() {
		return
	}
	io.WriteString(l.sink.out, b.String())
}

// --- Sync engine events ---

// ValueOpened logs the creation of a synced value and where its initial state came from.
func (l *Logger) ValueOpened(storeID, key, source string) {
	l.Debug("value_opened", Fields{
		"store":  storeID,
		"key":    key,
		"source": source,
	})
}

// WriteApplied logs a local write and its persistence outcome.
func (l *Logger) WriteApplied(key string, revision uint64, err error) {
	fields := Fields{
		"key":      key,
		"revision": revision,
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Error("write_failed", fields)
		return
	}
	l.Debug("write_applied", fields)
}

// ExternalApplied logs an accepted external change.
// outcome is "decoded" or "default".
func (l *Logger) ExternalApplied(key string, revision uint64, outcome string) {
	l.Debug("external_applied", Fields{
		"key":      key,
		"revision": revision,
		"outcome":  outcome,
	})
}

// ExternalRejected logs an external change that could not be decoded.
// The previous value is retained.
func (l *Logger) ExternalRejected(key string, err error) {
	l.Warn("external_rejected", Fields{
		"key":   key,
		"error": err.Error(),
	})
}

// EchoSuppressed logs a change notification discarded as the echo of a local write.
func (l *Logger) EchoSuppressed(key string, revision uint64) {
	l.Debug("echo_suppressed", Fields{
		"key":      key,
		"revision": revision,
	})
}

// RegistryReset logs a registry teardown.
func (l *Logger) RegistryReset(count int) {
	l.Info("registry_reset", Fields{
		"values": count,
	})
}
