// Package logging provides structured logging for the NIDS.
// It wraps log/slog with a process-wide default logger, per-component child
// loggers and attribute helpers for records, threats and errors.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents log levels
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Logger is the NIDS structured logger. Loggers derived from the same root
// share one level, so SetLevel on any of them changes all.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// Config holds logger configuration
type Config struct {
	Level  Level
	Output io.Writer
	// Format is FormatText or FormatJSON. Anything else falls back to text.
	Format    string
	AddSource bool
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
		Format: FormatText,
	}
}

var (
	mu            sync.RWMutex
	defaultLogger *Logger
)

// New builds a logger from cfg without touching the default.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)
	opts := &slog.HandlerOptions{Level: levelVar, AddSource: cfg.AddSource}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, FormatJSON) {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return &Logger{Logger: slog.New(handler), level: levelVar}
}

// Init replaces the default logger and the slog default.
func Init(cfg *Config) {
	l := New(cfg)

	mu.Lock()
	defaultLogger = l
	mu.Unlock()

	slog.SetDefault(l.Logger)
}

// Default returns the default logger, creating a text logger at info level on
// first use.
func Default() *Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(nil)
	}
	return defaultLogger
}

// ParseLevel converts a level name ("debug", "info", "warn", "error") to a Level.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("logging: unknown level %q", name)
	}
}

// SetLevel changes the log level at runtime
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// WithComponent returns a logger tagging every entry with component=name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name), level: l.level}
}

// Info logs at info level on the default logger.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at warn level on the default logger.
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// =============================================================================
// Component Loggers
// =============================================================================

// CaptureLogger returns a logger for capture sources
func CaptureLogger() *Logger { return Default().WithComponent("capture") }

// StoreLogger returns a logger for model and scaler persistence
func StoreLogger() *Logger { return Default().WithComponent("store") }

// MonitorLogger returns a logger for the detection loop
func MonitorLogger() *Logger { return Default().WithComponent("monitor") }

// APILogger returns a logger for the HTTP API
func APILogger() *Logger { return Default().WithComponent("api") }

// AlertLogger returns a logger for threat forwarding
func AlertLogger() *Logger { return Default().WithComponent("alerting") }

// =============================================================================
// Attribute Helpers
// =============================================================================

// Packet groups the addressing of a record.
func Packet(srcIP, dstIP string, srcPort, dstPort uint16, proto string) slog.Attr {
	return slog.Group("packet",
		slog.String("src_ip", srcIP),
		slog.String("dst_ip", dstIP),
		slog.Int("src_port", int(srcPort)),
		slog.Int("dst_port", int(dstPort)),
		slog.String("protocol", proto),
	)
}

// Threat groups a threat decision.
func Threat(id string, score, threshold float64) slog.Attr {
	return slog.Group("threat",
		slog.String("id", id),
		slog.Float64("score", score),
		slog.Float64("threshold", threshold),
	)
}

// Err returns an error attribute. A nil error yields an empty attribute, which
// slog drops.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

// Duration returns a log attribute for a duration
func Duration(name string, d time.Duration) slog.Attr {
	return slog.Duration(name, d)
}

// LogRuntimeInfo logs the Go runtime version and current memory use.
func LogRuntimeInfo() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	Info("runtime info",
		"go_version", runtime.Version(),
		"gomaxprocs", runtime.GOMAXPROCS(0),
		"goroutines", runtime.NumGoroutine(),
		"heap_alloc_mb", m.HeapAlloc/1024/1024,
	)
}
