// Package logging builds the process logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Development bool
	// Level overrides the default level (debug in development, info otherwise).
	Level string
	// Quiet raises the level to warn, for tests and CLI usage.
	Quiet bool
}

// New returns a JSON logger in production and a console logger in
// development. Output goes to stderr.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	if opts.Level != "" {
		lvl, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if opts.Quiet {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	return cfg.Build()
}

// FromEnv builds a logger honoring LOG_LEVEL, falling back to a no-op logger
// when the configuration is unusable.
func FromEnv(development bool) *zap.Logger {
	l, err := New(Options{Development: development, Level: os.Getenv("LOG_LEVEL")})
	if err != nil {
		l, err = New(Options{Development: development})
		if err != nil {
			return zap.NewNop()
		}
		l.Warn("ignoring invalid LOG_LEVEL", zap.String("value", os.Getenv("LOG_LEVEL")))
	}
	return l
}
