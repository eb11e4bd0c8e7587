package logging

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

type ShutdownFunc func() error

// NewLogger creates and returns a new structured logger using zap as the underlying
// logging implementation, wrapped with slog's interface. The logger is configured
// with production settings and ISO8601 time encoding for consistent log formatting.
//
// Parameters:
//   - level: The minimum level to log ("debug", "info", "warn", "error"), empty means info
//
// Returns:
//   - *slog.Logger: A structured logger instance that can be used throughout the engine
//   - ShutdownFunc: Flushes any buffered log entries
//   - error: An error if the logger could not be initialized
func NewLogger(level string) (*slog.Logger, ShutdownFunc, error) {
	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level != "" {
		zapLevel, err := zapcore.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, nil, err
		}
		logConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	}
	zapLog, err := logConfig.Build()
	if err != nil {
		return nil, nil, err
	}
	f := newShutdownFunc(zapLog.Core())
	// we want the caller in our logs for debugging purposes, for now this is always set to true
	return slog.New(zapslog.NewHandler(zapLog.Core(), zapslog.WithCaller(true))), f, nil
}

func FallbackLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// DiscardLogger is used by tests that do not want any output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newShutdownFunc(core zapcore.Core) ShutdownFunc {
	return func() error {
		return core.Sync()
	}
}
