// Package log provides structured logging for the machine execution
// core using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with machine-domain helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Run logs the begin/end of one Machine.Run call.
func (l *Logger) Run(nesting int, name string, pc, sp uint32) {
	l.Debug("run",
		zap.Int("nesting", nesting),
		zap.String("name", name),
		zap.String("pc", Hex32(pc)),
		zap.String("sp", Hex32(sp)),
	)
}

// Trap logs dispatch of a host trap handler.
func (l *Logger) Trap(id int, pc uint32, autoRTS bool) {
	l.Debug("trap",
		zap.Int("id", id),
		zap.String("pc", Hex32(pc)),
		zap.Bool("auto_rts", autoRTS),
	)
}

// Fault logs a classified machine fault.
func (l *Logger) Fault(nesting int, pc uint32, err error) {
	l.Debug("fault",
		zap.Int("nesting", nesting),
		zap.String("pc", Hex32(pc)),
		zap.Error(err),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("cat", category))}
}

// Hex32 formats a uint32 as a 6-digit hex address, the width this
// core's addresses (a 24-bit-clean M68K address bus) print best at.
func Hex32(addr uint32) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 6)
	v := addr
	for i := 5; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return "0x" + string(buf)
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint32) zap.Field {
	return zap.String("addr", Hex32(addr))
}

// Size creates a size field.
func Size(size uint32) zap.Field {
	return zap.Uint32("size", size)
}
