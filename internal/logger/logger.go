package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	level      = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	loggerMu   sync.RWMutex
	baseLogger *zap.SugaredLogger
)

func init() {
	baseLogger = newLogger(os.Stdout)
}

// Options configures the process-wide logger.
type Options struct {
	Level     string
	File      string
	MaxSizeMB int
	Console   bool
}

func newLogger(w io.Writer) *zap.SugaredLogger {
	return newLoggerWithEncoder(w, false)
}

func newLoggerWithEncoder(w io.Writer, console bool) *zap.SugaredLogger {
	if w == nil {
		w = os.Stdout
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if console {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(w), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// Configure replaces the base logger. A non-empty File adds a rotating file sink next to stdout.
func Configure(opts Options) {
	SetLevel(opts.Level)
	var w io.Writer = os.Stdout
	if path := strings.TrimSpace(opts.File); path != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		})
	}
	loggerMu.Lock()
	old := baseLogger
	baseLogger = newLoggerWithEncoder(w, opts.Console)
	loggerMu.Unlock()
	if old != nil {
		_ = old.Sync()
	}
}

func SetOutput(w io.Writer) {
	loggerMu.Lock()
	baseLogger = newLogger(w)
	loggerMu.Unlock()
}

func SetLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		level.SetLevel(zapcore.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zapcore.WarnLevel)
	case "error":
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

func activeLogger() *zap.SugaredLogger {
	loggerMu.RLock()
	l := baseLogger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if baseLogger == nil {
		baseLogger = newLogger(os.Stdout)
	}
	return baseLogger
}

// With returns a child logger carrying the given key/value pairs.
func With(kv ...any) *zap.SugaredLogger {
	return activeLogger().With(kv...)
}

func Debugf(format string, v ...any) {
	activeLogger().Debugf(format, v...)
}

func Infof(format string, v ...any) {
	activeLogger().Infof(format, v...)
}

func Warnf(format string, v ...any) {
	activeLogger().Warnf(format, v...)
}

func Errorf(format string, v ...any) {
	activeLogger().Errorf(format, v...)
}

// Fatalf logs and exits the process.
func Fatalf(format string, v ...any) {
	activeLogger().Fatalf(format, v...)
}

func Sync() {
	_ = activeLogger().Sync()
}
