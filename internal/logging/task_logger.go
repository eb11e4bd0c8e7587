package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// TaskLogger is the per task log sink. Structured engine messages and the raw
// remote output lines end up in the same file so that the API layer can tail it.
type TaskLogger struct {
	Logger *slog.Logger
	path   string

	mu   sync.Mutex
	file *os.File
	core zapcore.Core
}

// TaskLogFileName returns the file name used for the task log sink.
func TaskLogFileName(displayID int64, taskID string) string {
	return fmt.Sprintf("%d_%s.log", displayID, taskID)
}

// NewTaskLogger opens (appending) the log file of a task under dir. Every record is
// also forwarded to parent when it is not nil.
func NewTaskLogger(dir string, displayID int64, taskID string, parent *slog.Logger) (*TaskLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create the task log directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, TaskLogFileName(displayID, taskID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open the task log file %s: %w", path, err)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.CallerKey = zapcore.OmitKey
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(file), zapcore.DebugLevel)

	var handler slog.Handler = zapslog.NewHandler(core)
	if parent != nil {
		handler = &teeHandler{handlers: []slog.Handler{handler, parent.Handler()}}
	}
	return &TaskLogger{
		Logger: slog.New(handler).With("task_id", taskID, "display_id", displayID),
		path:   path,
		file:   file,
		core:   core,
	}, nil
}

func (l *TaskLogger) Path() string {
	return l.path
}

// Output writes one remote output line, prefixed with the stream name, without
// structured fields so the file reads like the remote console.
func (l *TaskLogger) Output(stream string, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	_, _ = fmt.Fprintf(l.file, "%s\t%s\t%s\n", time.Now().Format(time.DateTime), stream, line)
}

func (l *TaskLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	_ = l.core.Sync()
	err := l.file.Close()
	l.file = nil
	return err
}
