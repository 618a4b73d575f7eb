// Package logging sets up the process-wide zap logger used by every
// component, with optional file rotation via lumberjack in production.
package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction. Mirrors the teacher's LogConfig
// shape (pkg/logger.LogConfig) with an added Mode field instead of a
// separate parameter.
type Config struct {
	Mode       string `yaml:"mode" env:"LOG_MODE"` // "dev" or "production"
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Filename   string `yaml:"filename" env:"LOG_FILENAME"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB"`
	MaxAgeDays int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS"`
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "production"
	}
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Filename == "" {
		c.Filename = "logs/gateway.log"
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 30
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 10
	}
}

// New builds a zap.Logger for the given config. In "dev" mode it tees
// colorized console output for low-priority levels and stderr for
// errors+; otherwise it writes JSON to a rotated file via lumberjack.
func New(cfg Config) (*zap.Logger, error) {
	cfg.applyDefaults()

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
	}

	encoder := jsonEncoder()
	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		LocalTime:  true,
	})

	var core zapcore.Core
	if cfg.Mode == "dev" || cfg.Mode == "development" {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleCfg.EncodeCaller = zapcore.ShortCallerEncoder
		consoleEncoder := zapcore.NewConsoleEncoder(consoleCfg)

		highPriority := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel })
		lowPriority := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l < zapcore.ErrorLevel })

		core = zapcore.NewTee(
			zapcore.NewCore(encoder, writer, level),
			zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), lowPriority),
			zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), highPriority),
		)
	} else {
		core = zapcore.NewCore(encoder, writer, level)
	}

	return zap.New(core, zap.AddCaller()), nil
}

func jsonEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.TimeKey = "time"
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewJSONEncoder(cfg)
}

// Component returns a child logger tagged with the owning component
// name, matching the source's logger.bind(tag=TAG) convention.
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.With(zap.String("component", name))
}

// Elapsed is a small helper for logging handler durations.
func Elapsed(start time.Time) zap.Field {
	return zap.Duration("elapsed", time.Since(start))
}
