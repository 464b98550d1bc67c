// Package logger configures the process-wide zap logger. Components obtain
// named loggers via Named and log structured fields; the --pretty flag flips
// the encoder from JSON to console output.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu          sync.RWMutex
	global      *zap.Logger
	atomicLevel zap.AtomicLevel
)

// Init builds and installs the global logger. Safe to call more than once;
// the last configuration wins.
func Init(options Options) error {
	normalized := options.normalized()
	zl, al, err := build(normalized)
	if err != nil {
		return err
	}

	mu.Lock()
	prev := global
	global = zl
	atomicLevel = al
	mu.Unlock()

	if prev != nil {
		_ = prev.Sync()
	}
	return nil
}

// L returns the global logger, or a nop logger before Init.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if global != nil {
		return global
	}
	return zap.NewNop()
}

// Named returns a component-scoped logger.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// SetLevel adjusts the level of the installed logger at runtime.
func SetLevel(level string) error {
	lv, ok := parseLevel(level)
	if !ok {
		return fmt.Errorf("invalid log level: %s", level)
	}
	mu.Lock()
	defer mu.Unlock()
	atomicLevel.SetLevel(lv)
	return nil
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}

func build(options Options) (*zap.Logger, zap.AtomicLevel, error) {
	level, _ := parseLevel(options.Level)
	atomic := zap.NewAtomicLevelAt(level)

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if options.Format == "console" {
		enc = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encoderCfg)
	}

	cores := make([]zapcore.Core, 0, 2)
	if options.ToStdout {
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), atomic))
	}
	if options.FilePath != "" {
		fileCore, err := buildFileCore(enc, atomic, options)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "logger: file output disabled: %v\n", err)
		} else {
			cores = append(cores, fileCore)
		}
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), atomic))
	}

	zapOpts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if options.Caller {
		zapOpts = append(zapOpts, zap.AddCaller())
	}

	l := zap.New(zapcore.NewTee(cores...), zapOpts...).With(
		zap.String("service", options.ServiceName),
		zap.String("node", options.NodeID),
	)
	return l, atomic, nil
}

func buildFileCore(enc zapcore.Encoder, atomic zap.AtomicLevel, options Options) (zapcore.Core, error) {
	dir := filepath.Dir(options.FilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   options.FilePath,
		MaxSize:    options.Rotation.MaxSizeMB,
		MaxBackups: options.Rotation.MaxBackups,
		MaxAge:     options.Rotation.MaxAgeDays,
		Compress:   options.Rotation.Compress,
		LocalTime:  true,
	}
	return zapcore.NewCore(enc, zapcore.AddSync(lj), atomic), nil
}

func parseLevel(level string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, true
	case "info":
		return zapcore.InfoLevel, true
	case "warn":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}
