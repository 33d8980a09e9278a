// Package log is the structured logger shared by every modempeer binary.
package log

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/klog/v2"
)

// Logger is the leveled key/value logger. Errors are always passed first to
// Error so they land in the "error" field.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(err error, msg string, keysAndValues ...any)

	// Logr adapts the logger for libraries that expect a logr.Logger.
	Logr() logr.Logger

	Sync() error
}

var _ Logger = (*zapLogger)(nil)

type zapLogger struct {
	z *zap.Logger
}

// callerSkip hides this package's wrappers from the caller annotation.
const callerSkip = 2

func encoderConfig(opts *Options) zapcore.EncoderConfig {
	ec := zapcore.EncoderConfig{
		MessageKey:     "message",
		LevelKey:       "level",
		TimeKey:        "timestamp",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	if opts.Format == "console" && opts.EnableColor {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	// json 输出给采集端，时长用毫秒
	if opts.Format == "json" {
		ec.EncodeDuration = func(d time.Duration, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendFloat64(float64(d) / float64(time.Millisecond))
		}
	}
	return ec
}

// build returns a logger whose level is bound to lvl. A broken sink falls
// back to stderr rather than failing the daemon.
func build(opts *Options, lvl zap.AtomicLevel) *zap.Logger {
	if l, err := zapcore.ParseLevel(opts.Level); err == nil {
		lvl.SetLevel(l)
	}

	cfg := zap.Config{
		Level:            lvl,
		DisableCaller:    opts.DisableCaller,
		Encoding:         opts.Format,
		EncoderConfig:    encoderConfig(opts),
		OutputPaths:      opts.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = []string{"stderr"}
	}

	z, err := cfg.Build(zap.AddCallerSkip(callerSkip), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		cfg.OutputPaths = []string{"stderr"}
		z = zap.Must(cfg.Build(zap.AddCallerSkip(callerSkip)))
		z.Warn("Log sink unavailable, using stderr", zap.Strings("outputPaths", opts.OutputPaths), zap.Error(err))
	}
	if opts.Name != "" {
		z = z.Named(opts.Name)
	}
	return z
}

// NewLogger builds a standalone logger; its level is fixed at opts.Level.
func NewLogger(opts *Options) Logger {
	if opts == nil {
		opts = NewOptions()
	}
	return &zapLogger{z: build(opts, zap.NewAtomicLevel())}
}

func (l *zapLogger) Debug(msg string, keysAndValues ...any) {
	l.z.Debug(msg, toFields(keysAndValues...)...)
}

func (l *zapLogger) Info(msg string, keysAndValues ...any) {
	l.z.Info(msg, toFields(keysAndValues...)...)
}

func (l *zapLogger) Warn(msg string, keysAndValues ...any) {
	l.z.Warn(msg, toFields(keysAndValues...)...)
}

func (l *zapLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := toFields(keysAndValues...)
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	l.z.Error(msg, fields...)
}

func (l *zapLogger) Logr() logr.Logger {
	return zapr.NewLogger(l.z)
}

func (l *zapLogger) Sync() error {
	return l.z.Sync()
}

var (
	once sync.Once

	level = zap.NewAtomicLevel()
	std   = Logger(&zapLogger{z: zap.NewNop()})
)

// Init installs the process logger and routes klog output of the
// apimachinery helpers through it. Only the first call has an effect.
func Init(opts *Options) {
	once.Do(func() {
		if opts == nil {
			opts = NewOptions()
		}
		l := &zapLogger{z: build(opts, level)}
		std = l
		klog.SetLogger(l.Logr())
	})
}

// LevelHandler reports the process log level on GET and changes it on PUT,
// e.g. curl -X PUT -d '{"level":"debug"}'.
func LevelHandler() http.Handler {
	return level
}

func Debug(msg string, keysAndValues ...any)            { std.Debug(msg, keysAndValues...) }
func Info(msg string, keysAndValues ...any)             { std.Info(msg, keysAndValues...) }
func Warn(msg string, keysAndValues ...any)             { std.Warn(msg, keysAndValues...) }
func Error(err error, msg string, keysAndValues ...any) { std.Error(err, msg, keysAndValues...) }
func Sync() error                                       { return std.Sync() }
