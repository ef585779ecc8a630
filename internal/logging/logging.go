// Package logging provides debug-gated, categorized file logging for persona.
// Nothing is written unless debug mode is enabled; console output stays clean
// for the interactive loop. Each helper tags entries with its subsystem so a
// single log file remains greppable.
package logging

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.SugaredLogger = zap.NewNop().Sugar()
)

// Init configures the package logger. When debug is false the logger is a
// no-op. The log file defaults to ~/.persona/logs/persona.log and can be
// overridden with PERSONA_LOG_FILE.
func Init(debug bool) error {
	if !debug {
		return nil
	}

	path := os.Getenv("PERSONA_LOG_FILE")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		path = filepath.Join(home, ".persona", "logs", "persona.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}

	l, err := cfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	logger = l.Sugar()
	mu.Unlock()
	return nil
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = logger.Sync()
}

func cat(name string) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger.With("cat", name)
}

// Boot logs startup and wiring events.
func Boot(format string, args ...interface{}) { cat("boot").Infof(format, args...) }

// BootDebug logs verbose startup detail.
func BootDebug(format string, args ...interface{}) { cat("boot").Debugf(format, args...) }

// Sandbox logs container lifecycle events.
func Sandbox(format string, args ...interface{}) { cat("sandbox").Infof(format, args...) }

// SandboxDebug logs docker argument construction and liveness checks.
func SandboxDebug(format string, args ...interface{}) { cat("sandbox").Debugf(format, args...) }

// SandboxWarn logs recoverable sandbox failures.
func SandboxWarn(format string, args ...interface{}) { cat("sandbox").Warnf(format, args...) }

// SandboxError logs sandbox failures surfaced to callers.
func SandboxError(format string, args ...interface{}) { cat("sandbox").Errorf(format, args...) }

// Session logs persistence activity.
func Session(format string, args ...interface{}) { cat("session").Infof(format, args...) }

// SessionDebug logs per-file persistence detail.
func SessionDebug(format string, args ...interface{}) { cat("session").Debugf(format, args...) }

// Engine logs reasoning-engine requests and turn boundaries.
func Engine(format string, args ...interface{}) { cat("engine").Infof(format, args...) }

// EngineDebug logs streaming and tool-call assembly detail.
func EngineDebug(format string, args ...interface{}) { cat("engine").Debugf(format, args...) }

// EngineError logs engine failures.
func EngineError(format string, args ...interface{}) { cat("engine").Errorf(format, args...) }

// Repl logs interactive-loop state transitions.
func Repl(format string, args ...interface{}) { cat("repl").Infof(format, args...) }

// ReplDebug logs per-event loop detail.
func ReplDebug(format string, args ...interface{}) { cat("repl").Debugf(format, args...) }

// Skills logs skill discovery.
func Skills(format string, args ...interface{}) { cat("skills").Infof(format, args...) }

// SkillsWarn logs skill files that failed to parse.
func SkillsWarn(format string, args ...interface{}) { cat("skills").Warnf(format, args...) }
