// Package qlog provides the process-wide structured logger used across the
// sandbox. It follows the console-encoder, atomic-level idiom common to the
// rest of the retrieval pack rather than rolling a bespoke logging package.
package qlog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config controls the sugared logger constructed by Init.
type Config struct {
	Level zapcore.Level `yaml:"level"`
}

var (
	mu     sync.Mutex
	logger *zap.SugaredLogger
	level  zap.AtomicLevel
)

// Init builds the package-level logger from cfg. It is safe to call more
// than once (e.g. after a config reload); the previous logger is replaced.
func Init(cfg *Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	mu.Lock()
	defer mu.Unlock()

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	lvl := zap.NewAtomicLevelAt(cfg.Level)
	zcfg := zap.Config{
		Level:            lvl,
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	l, err := zcfg.Build()
	if err != nil {
		return nil, lvl, err
	}

	logger = l.Sugar()
	level = lvl
	return logger, level, nil
}

// L returns the current package-level logger, lazily initializing a
// development-style default (info level, console encoding) if Init was
// never called — mirroring a boot sequence where the scheduler/sockets may
// log before the config loader has run.
func L() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		mu.Unlock()
		if _, _, err := Init(&Config{Level: zapcore.InfoLevel}); err != nil {
			panic(err)
		}
		mu.Lock()
	}
	return logger
}

// SetLevel flips the atomic level at runtime, e.g. in response to a debug
// ioctl or SIGHUP.
func SetLevel(lvl zapcore.Level) {
	mu.Lock()
	defer mu.Unlock()
	if logger != nil {
		level.SetLevel(lvl)
	}
}

// Sync flushes any buffered log entries. Best-effort: stderr sync commonly
// returns ENOTTY under a terminal and that error is ignored by callers.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		return nil
	}
	return logger.Sync()
}
