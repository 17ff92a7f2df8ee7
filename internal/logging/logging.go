// Package logging provides category-scoped structured logging for boa.
// Each subsystem logs under its own named category; categories can be
// enabled or disabled independently through configuration, and the whole
// system is a no-op until Initialize is called.
package logging

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names one logging subsystem.
type Category string

const (
	CategoryStore      Category = "store"
	CategorySpec       Category = "spec"
	CategoryEngine     Category = "engine"
	CategoryLedger     Category = "ledger"
	CategoryExecutor   Category = "executor"
	CategoryJobs       Category = "jobs"
	CategoryCheckpoint Category = "checkpoint"
	CategoryBench      Category = "bench"
	CategoryCLI        Category = "cli"
)

// Options controls sink and filtering.
type Options struct {
	Level      string          // debug, info, warn, error
	Categories map[string]bool // nil or empty means all enabled
	Path       string          // log file path; empty logs to stderr
	JSON       bool
}

var (
	mu      sync.RWMutex
	root    *zap.Logger = zap.NewNop()
	enabled map[string]bool
)

// Initialize configures the process-wide logger. Safe to call more than
// once; the last call wins.
func Initialize(opts Options) error {
	level := zapcore.InfoLevel
	switch strings.ToLower(opts.Level) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	cfg := zap.NewProductionConfig()
	if !opts.JSON {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	if opts.Path != "" {
		cfg.OutputPaths = []string{opts.Path}
		cfg.ErrorOutputPaths = []string{opts.Path}
	} else {
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	root = logger
	enabled = opts.Categories
	return nil
}

// Get returns the logger for a category. Disabled categories get a nop
// logger so call sites never need to check.
func Get(cat Category) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if enabled != nil && len(enabled) > 0 {
		if on, ok := enabled[string(cat)]; ok && !on {
			return zap.NewNop()
		}
	}
	return root.Named(string(cat))
}

// Sync flushes buffered entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
