package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/term"

	"ipenrich/config"
)

const logFileDateLayout = "02-Jan-2006"

// dailyFileSink appends log output to one file per UTC day and prunes
// files older than the retention window on every rotation.
type dailyFileSink struct {
	dir           string
	retentionDays int
	now           func() time.Time
	currentDate   string
	file          *os.File
	lastErrorAt   time.Time
	mu            sync.Mutex
}

// Purpose: Initialize a daily file sink with directory creation and cleanup.
// Key aspects: Ensures directory exists and bounds retention by date-based cleanup.
// Upstream: setupLogging.
// Downstream: os.MkdirAll and cleanupOldLogs.
func newDailyFileSink(dir string, retentionDays int) (*dailyFileSink, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = config.DefaultLogRetentionDays
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", trimmed, err)
	}
	if err := cleanupOldLogs(trimmed, time.Now().UTC(), retentionDays); err != nil {
		fmt.Fprintf(os.Stderr, "Logging: cleanup failed for %s: %v\n", trimmed, err)
	}
	return &dailyFileSink{
		dir:           trimmed,
		retentionDays: retentionDays,
		now:           time.Now,
	}, nil
}

// Purpose: Append one formatted log entry to the current daily file.
// Key aspects: Rotates on day change; file errors never fail the caller.
// Upstream: charmbracelet/log via io.MultiWriter.
// Downstream: rotateLocked and os.File.Write.
func (s *dailyFileSink) Write(p []byte) (int, error) {
	if s == nil {
		return len(p), nil
	}
	now := s.now().UTC()
	date := now.Format(logFileDateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil || s.currentDate != date {
		s.rotateLocked(date, now)
	}
	if s.file == nil {
		return len(p), nil
	}
	if _, err := s.file.Write(p); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("write failed: %w", err))
	}
	return len(p), nil
}

// Close is safe for repeated calls and nil receivers.
func (s *dailyFileSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.currentDate = ""
	return err
}

func (s *dailyFileSink) rotateLocked(date string, now time.Time) {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("failed to create log directory %q: %w", s.dir, err))
		return
	}
	path := filepath.Join(s.dir, logFileNameForDate(now))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.reportErrorLocked(now, fmt.Errorf("open failed for %s: %w", path, err))
		return
	}
	s.file = file
	s.currentDate = date
	if err := cleanupOldLogs(s.dir, now, s.retentionDays); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("cleanup failed: %w", err))
	}
}

// reportErrorLocked writes to stderr directly; logging through log would
// re-enter the sink.
func (s *dailyFileSink) reportErrorLocked(now time.Time, err error) {
	if err == nil {
		return
	}
	if !s.lastErrorAt.IsZero() && now.Sub(s.lastErrorAt) < time.Minute {
		return
	}
	s.lastErrorAt = now
	fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
}

// Purpose: Configure the default charmbracelet logger from config.
// Key aspects: Logfmt when stderr is not a terminal; file sink is optional
// and a failure to open it leaves console logging in place.
// Upstream: root command PersistentPreRunE.
// Downstream: newDailyFileSink, log.SetOutput, log.SetLevel.
func setupLogging(cfg config.LoggingConfig, console *os.File) (io.Closer, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)
	log.SetTimeFormat("2006/01/02 15:04:05")
	if !term.IsTerminal(int(console.Fd())) {
		log.SetFormatter(log.LogfmtFormatter)
	}
	log.SetOutput(console)

	if strings.TrimSpace(cfg.FileDir) == "" {
		return io.NopCloser(nil), nil
	}
	sink, err := newDailyFileSink(cfg.FileDir, cfg.RetentionDays)
	if err != nil {
		return io.NopCloser(nil), err
	}
	log.SetOutput(io.MultiWriter(console, sink))
	return sink, nil
}

func logFileNameForDate(now time.Time) string {
	return now.UTC().Format(logFileDateLayout) + ".log"
}

func parseLogFileDate(name string) (time.Time, bool) {
	if !strings.HasSuffix(name, ".log") {
		return time.Time{}, false
	}
	parsed, err := time.ParseInLocation(logFileDateLayout, strings.TrimSuffix(name, ".log"), time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func cleanupOldLogs(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	cutoff := dateOnly(now.UTC()).AddDate(0, 0, -(retentionDays - 1))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		date, ok := parseLogFileDate(entry.Name())
		if !ok {
			continue
		}
		if date.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}

func dateOnly(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
