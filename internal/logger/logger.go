// Package logger holds the process-wide zap logger used by cmd/api.
//
// Components that are unit-tested take a *zap.Logger instead; they receive a
// child from Named.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global *zap.Logger
	once   sync.Once
)

// Init builds the global logger once.
// level: debug, info, warn, error
// format: json (production encoder) or console (development encoder)
func Init(level, format string) error {
	var initErr error
	once.Do(func() {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			initErr = fmt.Errorf("parse log level %q: %w", level, err)
			return
		}

		var cfg zap.Config
		switch format {
		case "console":
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		default:
			cfg = zap.NewProductionConfig()
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)

		built, err := cfg.Build(zap.Fields(zap.String("service", "factory-events")))
		if err != nil {
			initErr = fmt.Errorf("build logger: %w", err)
			return
		}
		global = built
	})
	return initErr
}

// L returns the global logger, or a no-op logger before Init.
func L() *zap.Logger {
	if global == nil {
		return zap.NewNop()
	}
	return global
}

// Named returns a child of the global logger for one component.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Sync flushes any buffered log entries.
func Sync() error {
	if global == nil {
		return nil
	}
	return global.Sync()
}
