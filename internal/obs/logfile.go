// Copyright 2025 James Ross
package obs

import (
	"github.com/dlearley/bi-agent-core/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// NewLoggerWithFile builds a zap logger that writes JSON to stdout, and
// additionally to a rotating file when cfg.LogFile.Enabled is set.
func NewLoggerWithFile(level string, lf config.LogFile) (*zap.Logger, error) {
	base, err := NewLogger(level)
	if err != nil {
		return nil, err
	}
	if !lf.Enabled {
		return base, nil
	}

	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}

	rotator := &lumberjack.Logger{
		Filename:   lf.Path,
		MaxSize:    lf.MaxSizeMB,
		MaxBackups: lf.MaxBackups,
		MaxAge:     lf.MaxAgeDays,
		Compress:   lf.Compress,
	}
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	fileCore := zapcore.NewCore(encoder, zapcore.AddSync(rotator), lvl)

	return base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}
