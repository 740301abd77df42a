package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmcg/dimpipe/internal/config"
)

const filePrefix = "dimpipe-"

// Setup initializes the logger with file and console output. A nil console
// logs to the file only. The returned closer closes the log file.
func Setup(cfg config.LogConfig, console io.Writer) (*slog.Logger, io.Closer, error) {
	directory := cfg.Directory
	if directory == "" {
		directory = "~/.dimpipe/logs/"
	}
	directory = config.ExpandHome(directory)

	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	now := time.Now()
	logPath := filepath.Join(directory, FileName(now))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	var w io.Writer = file
	if console != nil {
		w = io.MultiWriter(console, file)
	}
	logger := New(w, cfg.Level)

	if cfg.RetentionDays > 0 {
		removed, err := Prune(directory, now.AddDate(0, 0, -cfg.RetentionDays))
		if err != nil {
			logger.Warn("pruning old log files", "error", err)
		} else if removed > 0 {
			logger.Debug("pruned old log files", "removed", removed)
		}
	}

	return logger, file, nil
}

// New returns a text logger writing to w at the named level.
func New(w io.Writer, level string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler)
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FileName returns the dated log file name for t.
func FileName(t time.Time) string {
	return fmt.Sprintf("%s%s.log", filePrefix, t.Format("2006-01-02"))
}

// Prune removes dated log files older than cutoff and returns how many were removed.
func Prune(directory string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		day, err := time.ParseInLocation("2006-01-02", strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".log"), time.Local)
		if err != nil {
			continue
		}
		if day.Before(startOfDay(cutoff)) {
			if err := os.Remove(filepath.Join(directory, name)); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
