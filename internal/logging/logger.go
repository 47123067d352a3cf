// Package logging provides config-driven categorized file-based logging for
// ciris. Logs are written to <data_dir>/logs/ with separate files per
// category. Logging is controlled by debug_mode in the runtime config; when
// false, no logs are written.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system.
type Category string

const (
	// Core runtime categories
	CategoryBoot     Category = "boot"     // Init phases, startup
	CategoryState    Category = "state"    // Cognitive state transitions
	CategoryQueue    Category = "queue"    // Task/thought queue
	CategoryRounds   Category = "rounds"   // Processor round loop
	CategoryShutdown Category = "shutdown" // Graceful/emergency shutdown

	// Reasoning categories
	CategoryDMA        Category = "dma"        // DMA cascade evaluation
	CategoryConscience Category = "conscience" // Conscience faculties
	CategoryHandlers   Category = "handlers"   // Action dispatch
	CategoryPolicy     Category = "policy"     // Mangle policy queries

	// Infrastructure categories
	CategoryRegistry  Category = "registry"  // Service registry, breakers
	CategoryBus       Category = "bus"       // Bus routing and fallback
	CategoryGraph     Category = "graph"     // Graph store operations
	CategoryAudit     Category = "audit"     // Trace and audit chain
	CategoryTelemetry Category = "telemetry" // Metrics aggregation

	// Provider categories
	CategoryLLM    Category = "llm"    // LLM provider calls
	CategoryWisdom Category = "wisdom" // Deferral and guidance
	CategoryTools  Category = "tools"  // Tool execution
	CategoryComm   Category = "comm"   // Channel messages
)

// Settings controls the logging subsystem. The runtime passes these in at
// startup so this package never parses config files itself.
type Settings struct {
	Dir        string          // Base data directory; logs go under Dir/logs
	DebugMode  bool            // When false the whole package is a no-op
	Level      string          // debug/info/warn/error
	Categories map[string]bool // Per-category enable map; nil = all enabled
}

// Logger wraps a category-scoped zap logger with file output.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	settings  Settings
	settingMu sync.RWMutex
	logsDir   string
	zapLevel  zapcore.Level
)

// Initialize sets up the logging directory from the given settings. Should be
// called once at startup. Silent no-op when debug mode is disabled.
func Initialize(s Settings) error {
	settingMu.Lock()
	settings = s
	switch s.Level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn", "warning":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}
	settingMu.Unlock()

	if !s.DebugMode {
		return nil
	}
	if s.Dir == "" {
		return fmt.Errorf("logging: data directory required")
	}

	logsDir = filepath.Join(s.Dir, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== ciris logging initialized ===")
	boot.Info("logs directory: %s", logsDir)
	boot.Info("level: %s", s.Level)
	return nil
}

// Reconfigure replaces the settings at runtime. Open category files are
// closed so the next Get reopens them under the new settings.
func Reconfigure(s Settings) error {
	CloseAll()
	return Initialize(s)
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	settingMu.RLock()
	defer settingMu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	settingMu.RLock()
	defer settingMu.RUnlock()
	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation a plain file move.
	date := time.Now().UTC().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(file), zapLevel)
	l := &Logger{
		category: category,
		sugar:    zap.New(core).Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying key-value context on every entry.
func (l *Logger) With(args ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(args...)}
}

// CloseAll flushes and drops all open category loggers. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// State logs to the state category
func State(format string, args ...interface{}) {
	Get(CategoryState).Info(format, args...)
}

// StateDebug logs debug to the state category
func StateDebug(format string, args ...interface{}) {
	Get(CategoryState).Debug(format, args...)
}

// Queue logs to the queue category
func Queue(format string, args ...interface{}) {
	Get(CategoryQueue).Info(format, args...)
}

// QueueDebug logs debug to the queue category
func QueueDebug(format string, args ...interface{}) {
	Get(CategoryQueue).Debug(format, args...)
}

// Rounds logs to the rounds category
func Rounds(format string, args ...interface{}) {
	Get(CategoryRounds).Info(format, args...)
}

// RoundsDebug logs debug to the rounds category
func RoundsDebug(format string, args ...interface{}) {
	Get(CategoryRounds).Debug(format, args...)
}

// DMA logs to the dma category
func DMA(format string, args ...interface{}) {
	Get(CategoryDMA).Info(format, args...)
}

// DMADebug logs debug to the dma category
func DMADebug(format string, args ...interface{}) {
	Get(CategoryDMA).Debug(format, args...)
}

// DMAWarn logs warning to the dma category
func DMAWarn(format string, args ...interface{}) {
	Get(CategoryDMA).Warn(format, args...)
}

// Conscience logs to the conscience category
func Conscience(format string, args ...interface{}) {
	Get(CategoryConscience).Info(format, args...)
}

// ConscienceDebug logs debug to the conscience category
func ConscienceDebug(format string, args ...interface{}) {
	Get(CategoryConscience).Debug(format, args...)
}

// Handlers logs to the handlers category
func Handlers(format string, args ...interface{}) {
	Get(CategoryHandlers).Info(format, args...)
}

// HandlersError logs error to the handlers category
func HandlersError(format string, args ...interface{}) {
	Get(CategoryHandlers).Error(format, args...)
}

// Bus logs to the bus category
func Bus(format string, args ...interface{}) {
	Get(CategoryBus).Info(format, args...)
}

// BusWarn logs warning to the bus category
func BusWarn(format string, args ...interface{}) {
	Get(CategoryBus).Warn(format, args...)
}

// Registry logs to the registry category
func Registry(format string, args ...interface{}) {
	Get(CategoryRegistry).Info(format, args...)
}

// RegistryWarn logs warning to the registry category
func RegistryWarn(format string, args ...interface{}) {
	Get(CategoryRegistry).Warn(format, args...)
}

// Graph logs to the graph category
func Graph(format string, args ...interface{}) {
	Get(CategoryGraph).Info(format, args...)
}

// GraphDebug logs debug to the graph category
func GraphDebug(format string, args ...interface{}) {
	Get(CategoryGraph).Debug(format, args...)
}

// Audit logs to the audit category
func Audit(format string, args ...interface{}) {
	Get(CategoryAudit).Info(format, args...)
}

// Telemetry logs to the telemetry category
func Telemetry(format string, args ...interface{}) {
	Get(CategoryTelemetry).Info(format, args...)
}

// Shutdown logs to the shutdown category
func Shutdown(format string, args ...interface{}) {
	Get(CategoryShutdown).Info(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
