// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultMaxBytes is the size at which a log file rolls over within a day.
const DefaultMaxBytes = 100 << 20

// Options configure New.
type Options struct {
	Level  string
	Format string // json or console
	// File is the logical log path; empty logs to stdout only.
	File     string
	MaxBytes int64
	// Stdout overrides the console sink, mainly for tests.
	Stdout io.Writer
}

// New returns a logger writing to stdout and, when configured, a rotating file.
// The returned close function flushes and closes the file sink.
func New(opts Options) (*zap.Logger, func() error, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(opts.Level))

	var encoderConfig zapcore.EncoderConfig
	if opts.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	newEncoder := func() zapcore.Encoder {
		if opts.Format == "console" {
			return zapcore.NewConsoleEncoder(encoderConfig)
		}
		return zapcore.NewJSONEncoder(encoderConfig)
	}

	var stdout io.Writer = os.Stdout
	if opts.Stdout != nil {
		stdout = opts.Stdout
	}
	cores := []zapcore.Core{zapcore.NewCore(newEncoder(), zapcore.AddSync(stdout), level)}
	closeFn := func() error { return nil }

	if strings.TrimSpace(opts.File) != "" {
		w, err := NewRotatingWriter(opts.File, opts.MaxBytes)
		if err != nil {
			return nil, nil, err
		}
		// File output is always JSON so it stays machine readable.
		fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
		if opts.Format == "console" {
			fileCfg := zap.NewProductionEncoderConfig()
			fileCfg.TimeKey = "timestamp"
			fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
			fileEncoder = zapcore.NewJSONEncoder(fileCfg)
		}
		cores = append(cores, zapcore.NewCore(fileEncoder, w, level))
		closeFn = func() error {
			_ = w.Sync()
			return w.Close()
		}
	}

	logger := zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return logger, closeFn, nil
}

// ParseLevel maps a config string to a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
