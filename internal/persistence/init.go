package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ai-consumption-tracker/aict/internal/config"
	"github.com/ai-consumption-tracker/aict/internal/util"
)

const defaultDatabasePath = "./agent.db"

// Initialize opens the SQLite store configured in cfg.
//
// Parameters:
//   - cfg: Application configuration
//
// Returns:
//   - *SQLiteStorage: Opened storage
//   - error: Any initialization error
func Initialize(cfg *config.Config) (*SQLiteStorage, error) {
	storage, err := initSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite storage: %w", err)
	}

	log.WithFields(log.Fields{
		"path":           storage.path,
		"retention_days": cfg.Scheduler.RetentionDays,
	}).Info("Persistence initialized successfully")
	return storage, nil
}

// initSQLite resolves path and creates its parent directory before opening it.
func initSQLite(path string) (*SQLiteStorage, error) {
	if path == "" {
		path = defaultDatabasePath
	}
	if path == memoryPath {
		return NewSQLiteStorage(path)
	}

	path = util.ExpandHome(path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	return NewSQLiteStorage(path)
}

// StartCleanupJob prunes history and raw responses once a day until ctx is done.
func StartCleanupJob(ctx context.Context, storage Storage, retentionDays int) {
	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RunCleanup(ctx, storage, retentionDays)
		}
	}
}

// RunCleanup performs one raw-response sweep and one history prune, logging failures.
func RunCleanup(ctx context.Context, storage Storage, retentionDays int) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if _, err := storage.CleanupRawResponses(cleanupCtx); err != nil {
		log.WithError(err).Error("Raw response cleanup failed")
	}
	if retentionDays > 0 {
		if _, err := storage.CleanupOldRecords(cleanupCtx, retentionDays); err != nil {
			log.WithError(err).Error("Historical cleanup failed")
		}
	}
}
