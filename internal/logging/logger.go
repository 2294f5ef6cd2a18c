// Package logging provides categorized file-based debug logging for structward.
// Logs are written to the configured log directory with one file per category.
// When debug mode is off every call is a cheap no-op.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryMCP      Category = "mcp"      // Tool-protocol transport, worker process lifecycle
	CategorySnapshot Category = "snapshot" // Directory walking and crawling
	CategoryPolicy   Category = "policy"   // Policy resolution attempts
	CategoryValidate Category = "validate" // Validation pipeline
	CategoryLLM      Category = "llm"      // Model provider calls
	CategoryConfig   Category = "config"   // Config load/save
	CategoryCLI      Category = "cli"      // Command-line surface
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	debugMode bool
	stateMu   sync.RWMutex
	logLevel  = LevelDebug
)

// Initialize sets up the logging directory. Call once at startup.
// With debug=false this is a silent no-op and no files are ever created.
func Initialize(debug bool, dir string) error {
	stateMu.Lock()
	debugMode = debug
	logsDir = dir
	stateMu.Unlock()

	if !debug {
		return nil
	}
	if dir == "" {
		return fmt.Errorf("log directory required in debug mode")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryCLI)
	boot.Info("=== structward logging initialized ===")
	boot.Info("Logs directory: %s", dir)
	return nil
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return debugMode
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger when debug mode is disabled.
func Get(category Category) *Logger {
	if !IsDebugMode() {
		return &Logger{category: category}
	}

	stateMu.RLock()
	dir := logsDir
	stateMu.RUnlock()
	if dir == "" {
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

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation trivial
	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(dir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message (always logged if the logger exists).
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops when debug mode is disabled
// =============================================================================

// MCP logs to the mcp category
func MCP(format string, args ...interface{}) {
	Get(CategoryMCP).Info(format, args...)
}

// MCPDebug logs debug to the mcp category
func MCPDebug(format string, args ...interface{}) {
	Get(CategoryMCP).Debug(format, args...)
}

// MCPWarn logs warning to the mcp category
func MCPWarn(format string, args ...interface{}) {
	Get(CategoryMCP).Warn(format, args...)
}

// MCPError logs error to the mcp category
func MCPError(format string, args ...interface{}) {
	Get(CategoryMCP).Error(format, args...)
}

// Snapshot logs to the snapshot category
func Snapshot(format string, args ...interface{}) {
	Get(CategorySnapshot).Info(format, args...)
}

// SnapshotDebug logs debug to the snapshot category
func SnapshotDebug(format string, args ...interface{}) {
	Get(CategorySnapshot).Debug(format, args...)
}

// Policy logs to the policy category
func Policy(format string, args ...interface{}) {
	Get(CategoryPolicy).Info(format, args...)
}

// PolicyDebug logs debug to the policy category
func PolicyDebug(format string, args ...interface{}) {
	Get(CategoryPolicy).Debug(format, args...)
}

// Validate logs to the validate category
func Validate(format string, args ...interface{}) {
	Get(CategoryValidate).Info(format, args...)
}

// ValidateDebug logs debug to the validate category
func ValidateDebug(format string, args ...interface{}) {
	Get(CategoryValidate).Debug(format, args...)
}

// ValidateError logs error to the validate category
func ValidateError(format string, args ...interface{}) {
	Get(CategoryValidate).Error(format, args...)
}

// LLM logs to the llm category
func LLM(format string, args ...interface{}) {
	Get(CategoryLLM).Info(format, args...)
}

// LLMDebug logs debug to the llm category
func LLMDebug(format string, args ...interface{}) {
	Get(CategoryLLM).Debug(format, args...)
}

// LLMError logs error to the llm category
func LLMError(format string, args ...interface{}) {
	Get(CategoryLLM).Error(format, args...)
}

// Config logs to the config category
func Config(format string, args ...interface{}) {
	Get(CategoryConfig).Info(format, args...)
}

// ConfigDebug logs debug to the config category
func ConfigDebug(format string, args ...interface{}) {
	Get(CategoryConfig).Debug(format, args...)
}

// CLI logs to the cli category
func CLI(format string, args ...interface{}) {
	Get(CategoryCLI).Info(format, args...)
}

// CLIDebug logs debug to the cli category
func CLIDebug(format string, args ...interface{}) {
	Get(CategoryCLI).Debug(format, args...)
}

// =============================================================================
// RUN ID TRACING - correlates all log lines of one validation run
// =============================================================================

// RunLogger provides run-scoped logging with a correlation ID.
type RunLogger struct {
	logger *Logger
	runID  string
	fields map[string]interface{}
}

// WithRunID creates a run-scoped logger.
func WithRunID(category Category, runID string) *RunLogger {
	return &RunLogger{
		logger: Get(category),
		runID:  runID,
		fields: make(map[string]interface{}),
	}
}

// WithField adds a field to the run logger.
func (r *RunLogger) WithField(key string, value interface{}) *RunLogger {
	r.fields[key] = value
	return r
}

func (r *RunLogger) formatMsg(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if len(r.fields) > 0 {
		return fmt.Sprintf("[run:%s] %s | %v", r.runID, msg, r.fields)
	}
	return fmt.Sprintf("[run:%s] %s", r.runID, msg)
}

func (r *RunLogger) Debug(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelDebug {
		return
	}
	r.logger.logger.Printf("[DEBUG] %s", r.formatMsg(format, args...))
}

func (r *RunLogger) Info(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelInfo {
		return
	}
	r.logger.logger.Printf("[INFO] %s", r.formatMsg(format, args...))
}

func (r *RunLogger) Warn(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelWarn {
		return
	}
	r.logger.logger.Printf("[WARN] %s", r.formatMsg(format, args...))
}

func (r *RunLogger) Error(format string, args ...interface{}) {
	if r.logger.logger == nil {
		return
	}
	r.logger.logger.Printf("[ERROR] %s", r.formatMsg(format, args...))
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
