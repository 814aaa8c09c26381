// Package logging provides category-based logging for taf.
// Each category writes to its own file under <home>/logs/, with a shared
// console core for warnings and errors. Verbose mode lowers the console
// core to debug level.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryRepo     Category = "repo"     // Repository creation and initialization
	CategoryMetadata Category = "metadata" // Metadata signing and validation
	CategoryKeystore Category = "keystore" // Keystore file operations
	CategoryGit      Category = "git"      // Git command execution
	CategoryUpdater  Category = "updater"  // Update and validation runs
	CategoryYubikey  Category = "yubikey"  // Hardware key operations
	CategoryCache    Category = "cache"    // Validation cache
	CategoryWatch    Category = "watch"    // Filesystem watcher
)

// Logger wraps a zap sugared logger bound to a category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu          sync.RWMutex
	loggers     = make(map[Category]*Logger)
	logFiles    []*os.File
	logsDir     string
	verbose     bool
	initialized bool
)

// Initialize sets up the logging directory. home is the taf home directory
// (typically ~/.taf); log files are written to home/logs/<category>.log.
// Safe to call more than once; later calls win.
func Initialize(home string, verboseMode bool) error {
	mu.Lock()
	defer mu.Unlock()

	// Flush and close loggers from any earlier initialization before
	// dropping them.
	for _, l := range loggers {
		_ = l.sugar.Sync()
	}
	for _, f := range logFiles {
		_ = f.Close()
	}
	logFiles = nil
	loggers = make(map[Category]*Logger)

	verbose = verboseMode
	if home == "" {
		// Console-only mode.
		logsDir = ""
		initialized = true
		return nil
	}

	logsDir = filepath.Join(home, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	initialized = true
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *Logger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := build(cat)
	loggers[cat] = l
	return l
}

// build constructs the per-category zap logger. File core logs everything,
// console core logs warn+ (debug+ in verbose mode).
func build(cat Category) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleLevel := zapcore.WarnLevel
	if verbose {
		consoleLevel = zapcore.DebugLevel
	}
	consoleEnc := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleEnc),
			zapcore.Lock(os.Stderr),
			consoleLevel,
		),
	}

	if logsDir != "" {
		path := filepath.Join(logsDir, string(cat)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			logFiles = append(logFiles, f)
			cores = append(cores, zapcore.NewCore(
				zapcore.NewJSONEncoder(encCfg),
				zapcore.Lock(f),
				zapcore.DebugLevel,
			))
		} else {
			fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", path, err)
		}
	}

	zl := zap.New(zapcore.NewTee(cores...)).With(zap.String("cat", string(cat)))
	return &Logger{category: cat, sugar: zl.Sugar()}
}

// Debug logs a debug-level message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an info-level message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warn-level message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error-level message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Sync flushes all category loggers. Called before process exit.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		_ = l.sugar.Sync()
	}
}

// Git logs a debug message in the git category, the one chatty enough for a
// shorthand.
func Git(format string, args ...interface{}) { Get(CategoryGit).Debug(format, args...) }
