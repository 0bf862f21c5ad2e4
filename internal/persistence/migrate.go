package persistence

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	legacyTable        = "usage_records"
	legacyRetiredTable = "usage_records_legacy"
)

// migrateLegacy moves rows from the flat pre-normalization usage_records table
// into the normalized tables, then renames the legacy table. Every copy step is
// INSERT OR IGNORE so a restart after a partial run converges to the same rows.
func (s *SQLiteStorage) migrateLegacy(ctx context.Context) error {
	legacy, err := s.hasLegacySchema(ctx)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if !legacy {
		return nil
	}

	log.WithField("table", legacyTable).Info("Legacy usage schema detected, migrating")

	if err := s.copyLegacyRows(ctx); err != nil {
		return err
	}
	if err := s.retireLegacyTable(ctx); err != nil {
		return err
	}

	log.Info("Legacy usage schema migrated")
	return nil
}

// hasLegacySchema reports whether usage_records exists with its provider_name column.
func (s *SQLiteStorage) hasLegacySchema(ctx context.Context) (bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", legacyTable)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == "provider_name" {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *SQLiteStorage) copyLegacyRows(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		name  string
		query string
	}{
		{
			// Bare columns next to MAX() come from the newest row of each provider.
			name: "providers",
			query: `
				INSERT OR IGNORE INTO providers (provider_id, provider_name, usage_unit, is_quota_based, updated_at)
				SELECT provider_id, provider_name, usage_unit, is_quota_based,
					COALESCE(CAST(strftime('%s', MAX(timestamp)) AS INTEGER), 0)
				FROM usage_records
				GROUP BY provider_id`,
		},
		{
			name: "history",
			query: `
				INSERT OR IGNORE INTO usage_history (provider_id, usage, usage_limit, timestamp, next_reset_time)
				SELECT provider_id, usage, "limit",
					CAST(strftime('%s', timestamp) AS INTEGER),
					CAST(strftime('%s', next_reset_time) AS INTEGER)
				FROM usage_records
				WHERE strftime('%s', timestamp) IS NOT NULL`,
		},
		{
			name: "latest",
			query: `
				INSERT OR IGNORE INTO latest_usage (provider_id, usage, usage_limit, timestamp, next_reset_time)
				SELECT h.provider_id, h.usage, h.usage_limit, h.timestamp, h.next_reset_time
				FROM usage_history h
				WHERE h.timestamp = (
					SELECT MAX(timestamp) FROM usage_history WHERE provider_id = h.provider_id
				)`,
		},
		{
			name: "reset_events",
			query: `
				UPDATE reset_events
				SET timestamp = CAST(strftime('%s', timestamp) AS INTEGER)
				WHERE typeof(timestamp) = 'text' AND strftime('%s', timestamp) IS NOT NULL`,
		},
		{
			name: "reset_events_usage",
			query: `
				UPDATE reset_events
				SET previous_usage = NULLIF(previous_usage, ''),
					new_usage = NULLIF(new_usage, '')
				WHERE previous_usage = '' OR new_usage = ''`,
		},
	}

	for _, step := range steps {
		result, err := tx.ExecContext(ctx, step.query)
		if err != nil {
			return fmt.Errorf("failed to migrate %s: %w", step.name, err)
		}
		affected, _ := result.RowsAffected()
		log.WithFields(log.Fields{"step": step.name, "rows": affected}).Debug("Migration step applied")
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// retireLegacyTable renames usage_records out of the way. It is never dropped.
func (s *SQLiteStorage) retireLegacyTable(ctx context.Context) error {
	target := legacyRetiredTable

	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", target).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to inspect legacy table: %w", err)
	}
	if exists > 0 {
		target = fmt.Sprintf("%s_%d", legacyRetiredTable, time.Now().Unix())
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", legacyTable, target)); err != nil {
		return fmt.Errorf("failed to rename legacy table: %w", err)
	}
	log.WithField("renamed_to", target).Info("Legacy usage table retired")
	return nil
}
