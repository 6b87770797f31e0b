package util

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// LogOptions configures the process logger.
type LogOptions struct {
	Env string
	// Level overrides the environment default (debug in development, info in
	// production). Accepts zap level names such as "warn" or "error".
	Level string
}

// NewLogger builds a logger tagged with the service name. Production emits
// sampled JSON with ISO8601 timestamps; anything else gets the colored
// console encoder.
func NewLogger(opts LogOptions) (*zap.Logger, error) {
	var config zap.Config
	if opts.Env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if lvl := strings.TrimSpace(opts.Level); lvl != "" {
		level, err := zap.ParseAtomicLevel(strings.ToLower(lvl))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		config.Level = level
	}

	return config.Build(zap.Fields(zap.String("service", serviceName)))
}

// InitLogger initializes the global logger
func InitLogger(opts LogOptions) error {
	l, err := NewLogger(opts)
	if err != nil {
		return err
	}
	logger = l
	zap.ReplaceGlobals(logger)
	return nil
}

// GetLogger returns the global logger
func GetLogger() *zap.Logger {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// Component returns the global logger tagged with a component name.
func Component(name string) *zap.Logger {
	return GetLogger().With(zap.String("component", name))
}

// SyncLogger flushes any buffered log entries
func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}
