// Package logger wraps go.uber.org/zap in the shape the teacher's backend
// uses it (core/backend/cache/confidence_cache.go, core/backend/errors):
// a single *zap.Logger threaded through subsystem constructors rather than
// a package-global.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production or development zap.Logger depending on level
// and development, matching internal/config.LoggingConfig.
func New(level string, development bool) (*zap.Logger, error) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		zl = zapcore.InfoLevel
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zl)
	return cfg.Build()
}

// Component returns a child logger tagged with a "component" field, the
// pattern used throughout the teacher's backend (errors.ArxosError.Component,
// ConfidenceCache's logger field) to attribute log lines to a subsystem.
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.With(zap.String("component", name))
}

// Noop returns a logger that discards everything, for tests and for
// callers that construct subsystems without a configured logger.
func Noop() *zap.Logger {
	return zap.NewNop()
}
