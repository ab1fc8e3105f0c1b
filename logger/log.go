package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
)

// Logger is shared by every package. It defaults to stderr at info level so
// library use works without calling SetupLogger.
var Logger = newLogger(os.Stderr, slog.LevelInfo)

const (
	FilePermission = 0644
	DirPermission  = 0755
	TimeFormat     = "2006-01-02 15:04:05"
)

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: TimeFormat,
		NoColor:    w != os.Stdout && w != os.Stderr,
	}))
}

func SetupLogger(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	Logger = newLogger(w, level)
}

// SetupLogWriter returns stdout when logPath is empty, otherwise a writer that
// tees to stdout and the log file. The caller closes the returned file.
func SetupLogWriter(logPath string) (io.Writer, *os.File, error) {
	if logPath == "" {
		return os.Stdout, nil, nil
	}

	if dir := filepath.Dir(logPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, DirPermission); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, FilePermission)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return io.MultiWriter(os.Stdout, logFile), logFile, nil
}
