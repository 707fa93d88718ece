package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
)

var Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	FilePermission = 0644
	DirPermission  = 0755
	TimeFormat     = "2006-01-02 15:04:05"
)

func SetupLogger(w io.Writer, verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:      logLevel,
		TimeFormat: TimeFormat,
		NoColor:    !isTerminal(w),
	})

	Logger = slog.New(handler)
}

// WithRun returns a logger that tags every record with the run id and mode.
func WithRun(runID string, chaos bool) *slog.Logger {
	mode := "baseline"
	if chaos {
		mode = "chaos"
	}
	return Logger.With("run_id", runID, "mode", mode)
}

// SetupLogWriter returns stderr when logPath is empty, otherwise stderr teed
// into the (appended) log file. Stdout is reserved for the run report.
func SetupLogWriter(logPath string) (io.Writer, *os.File, error) {
	if logPath == "" {
		return os.Stderr, nil, nil
	}

	logDir := filepath.Dir(logPath)
	if logDir != "." && logDir != "" {
		if err := os.MkdirAll(logDir, DirPermission); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, FilePermission)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return io.MultiWriter(os.Stderr, logFile), logFile, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
