// Package logging builds the zap logger used across seqwire binaries.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger.
type Options struct {
	Level  string // debug, info, warn, error (default info)
	Format string // console or json (default console)
	File   string // log file path; empty = stderr

	// Rotation (only used when File is set)
	Rotate     bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup builds a zap.Logger, sets it as the global logger, and redirects
// the stdlib log package. The caller should defer logger.Sync().
func Setup(opts Options) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(opts.Level) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}

	var encoder zapcore.Encoder
	if strings.ToLower(opts.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	var ws zapcore.WriteSyncer
	switch {
	case opts.File == "":
		ws = zapcore.AddSync(os.Stderr)
	case opts.Rotate:
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
		})
	default:
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		ws = zapcore.AddSync(f)
	}

	logger := zap.New(zapcore.NewCore(encoder, ws, level))
	zap.ReplaceGlobals(logger)
	_, _ = zap.RedirectStdLogAt(logger, zap.InfoLevel)
	return logger, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
