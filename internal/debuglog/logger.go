package debuglog

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type logger struct {
	mu    sync.RWMutex
	sugar *zap.SugaredLogger
}

var (
	global  logger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("STATELY_DEBUG") == "1"
}

func newZap() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Sampling = nil
	if enabled() {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	if lvl := strings.TrimSpace(os.Getenv("STATELY_LOG_LEVEL")); lvl != "" {
		if parsed, err := zapcore.ParseLevel(lvl); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(parsed)
		}
	}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func (l *logger) get() *zap.SugaredLogger {
	l.mu.RLock()
	s := l.sugar
	l.mu.RUnlock()
	if s != nil {
		return s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sugar == nil {
		l.sugar = newZap().Sugar()
	}
	return l.sugar
}

// SetLogger replaces the backing logger. A nil logger silences output.
func SetLogger(z *zap.Logger) {
	if z == nil {
		z = zap.NewNop()
	}
	global.mu.Lock()
	global.sugar = z.Sugar()
	global.mu.Unlock()
}

// Named returns a child logger for callers that want structured fields.
func Named(name string) *zap.SugaredLogger {
	return global.get().Named(name)
}

func Sync() {
	_ = global.get().Sync()
}

func Logf(format string, args ...any) {
	global.get().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	global.get().Warnf(format, args...)
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	global.get().Debugf(format, args...)
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	global.get().Debugf(format, args...)
}
