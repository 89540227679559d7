package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. It discards everything until Init runs,
// so wallet code used as a library never needs a nil check.
var Log = zap.NewNop()

var level = zap.NewAtomicLevelAt(zap.DebugLevel)

// Init builds the global logger for the given environment.
// "production" writes JSON at info level; anything else writes colored
// console output at debug level. SetLevel changes the level afterwards.
func Init(environment string) error {
	cfg := developmentConfig()
	if environment == "production" {
		cfg = productionConfig()
	}
	level.SetLevel(cfg.Level.Level())
	cfg.Level = level

	built, err := cfg.Build()
	if err != nil {
		return err
	}

	Log = built
	return nil
}

// SetLevel parses a zap level name ("debug", "info", "warn", "error") and
// applies it to the running logger. An empty name keeps the current level.
func SetLevel(name string) error {
	if name == "" {
		return nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	level.SetLevel(l)
	return nil
}

// Level returns the level currently in effect.
func Level() zapcore.Level {
	return level.Level()
}

func productionConfig() zap.Config {
	return zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding:         "json",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
	}
}

// developmentConfig is what the display runs with on the bench: short keys
// and colors for a serial console.
func developmentConfig() zap.Config {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	return zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.DebugLevel),
		Encoding:         "console",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    enc,
	}
}

// Sync flushes buffered entries. Call it with defer from main.
func Sync() {
	_ = Log.Sync()
}

func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

// Debug is only visible in development mode or at level "debug".
func Debug(msg string, fields ...zap.Field) {
	Log.Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

// With returns a child logger carrying fields on every entry,
// e.g. the wallet backend name.
func With(fields ...zap.Field) *zap.Logger {
	return Log.With(fields...)
}

// Named returns a child logger for a component ("lnbits", "nwc", "bridge").
func Named(name string) *zap.Logger {
	return Log.Named(name)
}
