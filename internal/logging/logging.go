// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ai-consumption-tracker/aict/internal/config"
)

// LogFileName is the rotated log file written under the log directory.
const LogFileName = "agent.log"

// LogRetention is how long rotated and stale log files are kept.
const LogRetention = 30 * 24 * time.Hour

// Setup installs the formatter and level, and tees output into a rotated
// log file when cfg.LoggingToFile is set. The returned closer flushes the file.
func Setup(cfg *config.Config) (io.Closer, error) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if !cfg.LoggingToFile || cfg.LogDir == "" {
		log.SetOutput(os.Stdout)
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, LogFileName),
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     int(LogRetention / (24 * time.Hour)),
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	log.WithField("path", rotator.Filename).Info("Logging to file")

	return rotator, nil
}

// CleanOldLogs removes files in dir whose modification time is older than maxAge.
// It returns the number of files removed; an unreadable dir removes nothing.
func CleanOldLogs(dir string, maxAge time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.WithError(err).WithField("path", path).Warn("Failed to remove old log file")
			continue
		}
		log.WithField("path", path).Info("Removed old log file")
		removed++
	}
	return removed
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
