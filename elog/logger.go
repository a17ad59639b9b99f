package elog

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig is the configuration of the root logger.
type LogConfig struct {
	// Level is the minimum logging level. One of "debug", "info",
	// "warn", "error". Default is "info".
	Level string `yaml:"level"`

	// File appends logs to a file instead of stderr.
	File string `yaml:"file"`

	// Production enables json encoding. Default is console encoding.
	Production bool `yaml:"production"`
}

var (
	stderr = zapcore.Lock(os.Stderr)

	lvl = zap.NewAtomicLevelAt(zap.InfoLevel)

	root = zap.New(zapcore.NewCore(defaultEncoder(), stderr, lvl))

	mu sync.Mutex
)

// NewLogger creates a logger from cfg. The returned logger shares the
// process-wide atomic level, so a later call with a different Level
// also affects loggers created earlier.
func NewLogger(cfg *LogConfig) (*zap.Logger, error) {
	var l zapcore.Level
	if len(cfg.Level) > 0 {
		if err := l.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		lvl.SetLevel(l)
	}

	ws := zapcore.WriteSyncer(stderr)
	if len(cfg.File) > 0 {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		ws = zapcore.Lock(f)
	}

	var enc zapcore.Encoder
	if cfg.Production {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		enc = defaultEncoder()
	}

	logger := zap.New(zapcore.NewCore(enc, ws, lvl))
	setRoot(logger)
	return logger, nil
}

// L returns the root logger. Before NewLogger is called it logs to
// stderr at info level.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root
}

// SetLevel changes the level of all loggers created by this package.
func SetLevel(l zapcore.Level) {
	lvl.SetLevel(l)
}

func setRoot(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
}

func defaultEncoder() zapcore.Encoder {
	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}
