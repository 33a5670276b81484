// Package zaplog adapts go.uber.org/zap to the pion/logging LoggerFactory
// interface taken by every component config.
package zaplog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrUnknownLevel is returned for a level name zaplog does not know.
var ErrUnknownLevel = errors.New("zaplog: unknown level")

// Level names accepted by Config besides zap's own.
const (
	LevelTrace    = "trace"
	LevelDisabled = "disabled"
)

// Config holds configuration for a Factory.
type Config struct {
	// Level is the default level: trace, debug, info, warn, error or
	// disabled. If empty, info is used.
	Level string

	// ScopeLevels overrides Level for individual logger scopes, e.g.
	// {"zeroconf-browser": "debug"}.
	ScopeLevels map[string]string

	// Format is "console" or "json". If empty, console is used.
	Format string

	// Output receives log entries. If nil, os.Stderr is used.
	Output io.Writer
}

type level struct {
	zap   zapcore.Level
	trace bool
}

func parseLevel(name string) (level, error) {
	switch strings.ToLower(name) {
	case "":
		return level{zap: zapcore.InfoLevel}, nil
	case LevelTrace:
		return level{zap: zapcore.DebugLevel, trace: true}, nil
	case LevelDisabled:
		return level{zap: zapcore.FatalLevel + 1}, nil
	}

	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return level{}, fmt.Errorf("%w: %q", ErrUnknownLevel, name)
	}
	return level{zap: l}, nil
}

// Factory creates leveled loggers writing through one zap encoder and
// sink. It implements logging.LoggerFactory.
type Factory struct {
	encoder zapcore.Encoder
	sink    zapcore.WriteSyncer
	level   level
	scopes  map[string]level
}

// New creates a Factory.
func New(config Config) (*Factory, error) {
	def, err := parseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	scopes := make(map[string]level, len(config.ScopeLevels))
	for scope, name := range config.ScopeLevels {
		l, err := parseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("scope %s: %w", scope, err)
		}
		scopes[scope] = l
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch config.Format {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("zaplog: unknown format %q", config.Format)
	}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	return &Factory{
		encoder: enc,
		sink:    zapcore.Lock(zapcore.AddSync(out)),
		level:   def,
		scopes:  scopes,
	}, nil
}

// NewLogger returns a logger named scope.
func (f *Factory) NewLogger(scope string) logging.LeveledLogger {
	l, ok := f.scopes[scope]
	if !ok {
		l = f.level
	}

	core := zapcore.NewCore(f.encoder, f.sink, l.zap)
	return &logger{
		sugar: zap.New(core).Named(scope).Sugar(),
		trace: l.trace,
	}
}

// Zap returns a plain zap logger sharing the factory's sink at the default
// level, for code that logs with zap directly.
func (f *Factory) Zap() *zap.Logger {
	return zap.New(zapcore.NewCore(f.encoder, f.sink, f.level.zap))
}

// Sync flushes buffered entries.
func (f *Factory) Sync() error {
	return f.sink.Sync()
}

// logger implements logging.LeveledLogger. Trace entries are written at
// debug level when the scope is set to trace.
type logger struct {
	sugar *zap.SugaredLogger
	trace bool
}

func (l *logger) Trace(msg string) {
	if l.trace {
		l.sugar.Debugw(msg, "trace", true)
	}
}

func (l *logger) Tracef(format string, args ...interface{}) {
	if l.trace {
		l.sugar.Debugw(fmt.Sprintf(format, args...), "trace", true)
	}
}

func (l *logger) Debug(msg string) { l.sugar.Debug(msg) }

func (l *logger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

func (l *logger) Info(msg string) { l.sugar.Info(msg) }

func (l *logger) Infof(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

func (l *logger) Warn(msg string) { l.sugar.Warn(msg) }

func (l *logger) Warnf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

func (l *logger) Error(msg string) { l.sugar.Error(msg) }

func (l *logger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

var (
	_ logging.LoggerFactory = (*Factory)(nil)
	_ logging.LeveledLogger = (*logger)(nil)
)
