// Package logger builds the gateway's structured zap logger.
//
// One logger is constructed at startup from the configured level and
// handed to every component; per-module context is attached with
// Named / With rather than separate loggers.
//
// Usage:
//
//	log, err := logger.New(cfg.LogLevel)
//	log.Info("request_forward",
//		zap.String("method", "POST"),
//		zap.String("path", "/v1/chat/completions"))
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap logger gated at the given level string.
// Unrecognized level strings default to "info".
func New(levelStr string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(levelStr))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// ParseLevel converts a level string to a zapcore.Level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
