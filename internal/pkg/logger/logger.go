// Package logger exposes a process-wide zap.SugaredLogger configured for JSON
// output on stdout. When an OpenTelemetry LoggerProvider has been registered
// through the telemetry package, an otelzap bridge core is attached so log
// records are also exported to the telemetry backend.
package logger

import (
	"context"
	"os"
	"sync"

	"github.com/gabapcia/commitstream/internal/pkg/telemetry"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// log is the shared SugaredLogger. It is assigned exactly once by Init.
	log *zap.SugaredLogger

	// initOnce guards the one-time setup performed by Init.
	initOnce sync.Once
)

// config collects the options applied before initialization.
type config struct {
	level string // minimum level: debug, info, warn, error, panic, fatal
}

// Option customizes the logger built by Init.
type Option func(*config)

// WithLevel sets the minimum level emitted by the global logger.
func WithLevel(level string) Option {
	return func(c *config) {
		c.level = level
	}
}

// Init builds the global logger. Defaults to JSON on stdout at "info". The
// first call wins; later calls only re-validate their options.
//
// It returns an error when the configured level cannot be parsed.
func Init(opts ...Option) error {
	cfg := config{level: "info"}
	for _, opt := range opts {
		opt(&cfg)
	}

	level, err := zapcore.ParseLevel(cfg.level)
	if err != nil {
		return err
	}

	initOnce.Do(func() {
		cores := []zapcore.Core{
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				level,
			),
		}

		if lp := telemetry.LoggerProvider(); lp != nil {
			cores = append(cores, otelzap.NewCore("", otelzap.WithLoggerProvider(lp)))
		}

		log = zap.New(zapcore.NewTee(cores...)).Sugar()
	})

	return nil
}

// Sync flushes buffered entries. Call it on shutdown.
func Sync() error {
	return log.Sync()
}

// Debug logs at debug level with optional key/value pairs.
func Debug(ctx context.Context, msg string, keysAndValues ...any) {
	log.Debugw(msg, keysAndValues...)
}

// Info logs at info level with optional key/value pairs.
func Info(ctx context.Context, msg string, keysAndValues ...any) {
	log.Infow(msg, keysAndValues...)
}

// Warn logs at warn level with optional key/value pairs.
func Warn(ctx context.Context, msg string, keysAndValues ...any) {
	log.Warnw(msg, keysAndValues...)
}

// Error logs at error level with optional key/value pairs.
func Error(ctx context.Context, msg string, keysAndValues ...any) {
	log.Errorw(msg, keysAndValues...)
}

// Panic logs at panic level and then panics.
func Panic(ctx context.Context, msg string, keysAndValues ...any) {
	log.Panicw(msg, keysAndValues...)
}

// Fatal logs at fatal level and then exits the process.
func Fatal(ctx context.Context, msg string, keysAndValues ...any) {
	log.Fatalw(msg, keysAndValues...)
}
