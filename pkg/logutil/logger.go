// Package logutil builds the zap loggers used by the durakv binaries.
package logutil

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"durakv/pkg/config"
)

// NewLogger builds a logger from the log section of the configuration.
// Stack traces are attached only to fatal entries.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "parse log level %q", cfg.Level)
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	lg, err := zc.Build(zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return lg, nil
}

// MustNewLogger is NewLogger for main packages.
func MustNewLogger(cfg config.LogConfig) *zap.Logger {
	lg, err := NewLogger(cfg)
	if err != nil {
		panic(err)
	}
	return lg
}
