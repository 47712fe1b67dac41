package internal

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LogLevelError:
		return zapcore.ErrorLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// LogOptions configures the process logger
type LogOptions struct {
	Level      string
	Format     string // "console" or "json"
	LogFile    string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

var (
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	current atomic.Pointer[zap.Logger]
)

func init() {
	current.Store(newLogger(LogOptions{Format: "console"}, zapcore.Lock(os.Stderr)))
}

// InitLogger replaces the process logger. Console output goes to stderr; when
// LogFile is set, JSON records are also written to a rotated file.
func InitLogger(opts LogOptions) *zap.Logger {
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			level.SetLevel(zapcore.InfoLevel)
		}
	}
	l := newLogger(opts, zapcore.Lock(os.Stderr))
	current.Store(l)
	return l
}

// SetLogger installs an already built logger, mainly for tests
func SetLogger(l *zap.Logger) {
	current.Store(l)
}

// Logger returns the process logger for components that log structured fields
func Logger() *zap.Logger {
	return current.Load()
}

func newLogger(opts LogOptions, console zapcore.WriteSyncer) *zap.Logger {
	cores := []zapcore.Core{zapcore.NewCore(encoder(opts.Format), console, level)}

	if opts.LogFile != "" {
		file := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAge,
			Compress:   opts.Compress,
		})
		cores = append(cores, zapcore.NewCore(encoder("json"), file, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel)).Named("mindmap")
}

func encoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	if format == "json" {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

// SetLogLevel sets the global log level
func SetLogLevel(l LogLevel) {
	level.SetLevel(l.zapLevel())
}

// SetVerbose enables verbose (debug) logging
func SetVerbose(verbose bool) {
	if verbose {
		SetLogLevel(LogLevelDebug)
	} else {
		SetLogLevel(LogLevelInfo)
	}
}

func logf(l zapcore.Level, format string, args ...interface{}) {
	if !level.Enabled(l) {
		return
	}
	Logger().WithOptions(zap.AddCallerSkip(2)).Sugar().Logf(l, format, args...)
}

// LogError logs an error message
func LogError(format string, args ...interface{}) {
	logf(zapcore.ErrorLevel, format, args...)
}

// LogWarn logs a warning message
func LogWarn(format string, args ...interface{}) {
	logf(zapcore.WarnLevel, format, args...)
}

// LogInfo logs an info message
func LogInfo(format string, args ...interface{}) {
	logf(zapcore.InfoLevel, format, args...)
}

// LogDebug logs a debug message
func LogDebug(format string, args ...interface{}) {
	logf(zapcore.DebugLevel, format, args...)
}
