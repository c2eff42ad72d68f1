package observe

import (
	"io"
	"log/slog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures [NewLogger].
type LogConfig struct {
	// Level is the minimum level emitted.
	Level slog.Level

	// LevelVar, when set, replaces Level and can be changed while the
	// logger is in use.
	LevelVar *slog.LevelVar

	// File, when set, sends JSON logs to a size-rotated file instead of
	// console output on stderr.
	File string

	// Rotation settings for File. Zero values use 10 MB, 3 backups, 28 days.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Output overrides the console destination. Used by tests.
	Output io.Writer
}

// NewLogger returns a slog.Logger backed by a zap core. The returned sync
// function flushes buffered entries and must be called before exit.
func NewLogger(cfg LogConfig) (*slog.Logger, func() error) {
	var (
		enc zapcore.Encoder
		ws  zapcore.WriteSyncer
	)

	if cfg.File != "" {
		if cfg.MaxSizeMB <= 0 {
			cfg.MaxSizeMB = 10
		}
		if cfg.MaxBackups <= 0 {
			cfg.MaxBackups = 3
		}
		if cfg.MaxAgeDays <= 0 {
			cfg.MaxAgeDays = 28
		}
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	} else {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		ws = zapcore.Lock(zapcore.AddSync(out))
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	}

	var lvl zapcore.LevelEnabler = zapLevel(cfg.Level)
	if cfg.LevelVar != nil {
		lvl = levelVar{cfg.LevelVar}
	}
	core := zapcore.NewCore(enc, ws, lvl)
	return slog.New(zapslog.NewHandler(core)), core.Sync
}

// zapLevel maps a slog level onto the nearest zap level.
func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l <= slog.LevelDebug:
		return zapcore.DebugLevel
	case l <= slog.LevelInfo:
		return zapcore.InfoLevel
	case l <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// levelVar lets a slog.LevelVar gate a zap core.
type levelVar struct{ v *slog.LevelVar }

func (l levelVar) Enabled(z zapcore.Level) bool {
	return z >= zapLevel(l.v.Level())
}
