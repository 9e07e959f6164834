// Package logger installs a zap-backed handler as the default slog logger.
package logger

import (
	"fmt"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Debug       bool
	OutputPaths []string
}

// New builds the zap logger with JSON output, ISO8601 timestamps and short
// callers. Debug lowers the level and disables sampling.
func New(cfg Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	if cfg.Debug {
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		zapCfg.Sampling = nil
	}
	if len(cfg.OutputPaths) > 0 {
		zapCfg.OutputPaths = cfg.OutputPaths
	}

	z, err := zapCfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return z, nil
}

// Setup builds the zap logger and makes it the slog default. The returned
// function flushes buffered entries and should be deferred by main.
func Setup(cfg Config) (func(), error) {
	z, err := New(cfg)
	if err != nil {
		return nil, err
	}

	slog.SetDefault(slog.New(NewHandler(z.Core())))

	return func() {
		_ = z.Sync()
	}, nil
}

func NewHandler(core zapcore.Core) slog.Handler {
	return zapslog.NewHandler(core,
		zapslog.WithCaller(true),
		zapslog.AddStacktraceAt(slog.LevelError),
	)
}
