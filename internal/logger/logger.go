package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls how the process logger is built.
type Config struct {
	LogLevel string `env:"MAILBRIDGE_LOG_LEVEL" envDefault:"info"`
	DevMode  bool   `env:"MAILBRIDGE_LOG_DEV" envDefault:"false"`
	Encoder  string `env:"MAILBRIDGE_LOG_ENCODER" envDefault:""`
}

// New builds a zap logger from cfg. A nil cfg yields production defaults.
func New(cfg *Config) (*zap.Logger, error) {
	if cfg == nil {
		cfg = &Config{LogLevel: "info"}
	}
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.DevMode {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "time"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if enc := strings.TrimSpace(cfg.Encoder); enc != "" {
		zc.Encoding = enc
	}

	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l.Named("mailbridge"), nil
}

// ParseLevel maps a textual level to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		s = "warn"
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
