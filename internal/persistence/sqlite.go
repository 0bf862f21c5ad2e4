package persistence

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const memoryPath = ":memory:"

// SQLiteStorage implements Storage on an embedded SQLite database.
type SQLiteStorage struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteStorage opens (or creates) the database at path, applies the schema
// and migrates a legacy flat usage table when one is found.
//
// Parameters:
//   - path: Database file path, or ":memory:" for an ephemeral database
//
// Returns:
//   - *SQLiteStorage: Ready-to-use storage
//   - error: Any open, schema or migration error
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	dsn := path
	if path != memoryPath {
		dsn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == memoryPath {
		// Every connection to :memory: is a distinct database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	storage := &SQLiteStorage{
		db:   db,
		path: path,
		now:  time.Now,
	}

	if err := storage.migrateLegacy(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	log.WithField("path", path).Info("SQLite storage initialized")
	return storage, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InsertUsageRecord upserts the provider row, the (provider_id, timestamp)
// history row and the latest projection in one transaction.
func (s *SQLiteStorage) InsertUsageRecord(ctx context.Context, record HistoricalUsageRecord) error {
	if record.ProviderID == "" {
		return errors.New("failed to insert record: provider id is empty")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = s.now()
	}
	ts := record.Timestamp.Unix()
	reset := nullableUnix(record.NextResetTime)
	limit := nullableFloat(record.Limit)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO providers (provider_id, provider_name, usage_unit, is_quota_based, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider_id) DO UPDATE SET
			provider_name = excluded.provider_name,
			usage_unit = excluded.usage_unit,
			is_quota_based = excluded.is_quota_based,
			updated_at = excluded.updated_at
	`, record.ProviderID, record.ProviderName, record.UsageUnit, record.IsQuotaBased, ts); err != nil {
		return fmt.Errorf("failed to upsert provider: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_history (provider_id, usage, usage_limit, timestamp, next_reset_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider_id, timestamp) DO UPDATE SET
			usage = excluded.usage,
			usage_limit = excluded.usage_limit,
			next_reset_time = excluded.next_reset_time
	`, record.ProviderID, record.Usage, limit, ts, reset); err != nil {
		return fmt.Errorf("failed to upsert history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO latest_usage (provider_id, usage, usage_limit, timestamp, next_reset_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider_id) DO UPDATE SET
			usage = excluded.usage,
			usage_limit = excluded.usage_limit,
			timestamp = excluded.timestamp,
			next_reset_time = excluded.next_reset_time
	`, record.ProviderID, record.Usage, limit, ts, reset); err != nil {
		return fmt.Errorf("failed to upsert latest usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetAllUsageRecords returns every history row, newest first.
func (s *SQLiteStorage) GetAllUsageRecords(ctx context.Context) []HistoricalUsageRecord {
	return s.QueryUsageRecords(ctx, QueryFilter{})
}

// GetUsageRecordsByProvider returns the history of one provider, newest first.
func (s *SQLiteStorage) GetUsageRecordsByProvider(ctx context.Context, providerID string) []HistoricalUsageRecord {
	return s.QueryUsageRecords(ctx, QueryFilter{ProviderID: providerID})
}

// GetUsageRecordsByTimeRange returns rows with from <= timestamp <= to, newest first.
func (s *SQLiteStorage) GetUsageRecordsByTimeRange(ctx context.Context, from, to time.Time) []HistoricalUsageRecord {
	return s.QueryUsageRecords(ctx, QueryFilter{From: &from, To: &to})
}

// GetLatestUsageRecords returns the newest limit rows across all providers.
func (s *SQLiteStorage) GetLatestUsageRecords(ctx context.Context, limit int) []HistoricalUsageRecord {
	return s.QueryUsageRecords(ctx, QueryFilter{Limit: limit})
}

// QueryUsageRecords performs a filtered history query. Failures yield an empty slice.
func (s *SQLiteStorage) QueryUsageRecords(ctx context.Context, filter QueryFilter) []HistoricalUsageRecord {
	records, err := s.query(ctx, filter)
	if err != nil {
		log.WithError(err).WithField("provider_id", filter.ProviderID).Warn("Failed to query usage history")
		return []HistoricalUsageRecord{}
	}
	return records
}

func (s *SQLiteStorage) query(ctx context.Context, filter QueryFilter) ([]HistoricalUsageRecord, error) {
	query := `
		SELECT
			h.id, h.provider_id, p.provider_name, h.usage, h.usage_limit,
			p.usage_unit, p.is_quota_based, h.timestamp, h.next_reset_time
		FROM usage_history h
		JOIN providers p ON p.provider_id = h.provider_id
		WHERE 1=1
	`
	args := []interface{}{}

	if filter.ProviderID != "" {
		query += " AND h.provider_id = ?"
		args = append(args, filter.ProviderID)
	}

	if filter.From != nil && !filter.From.IsZero() {
		query += " AND h.timestamp >= ?"
		args = append(args, filter.From.Unix())
	}

	if filter.To != nil && !filter.To.IsZero() {
		query += " AND h.timestamp <= ?"
		args = append(args, filter.To.Unix())
	}

	query += " ORDER BY h.timestamp DESC, h.id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []HistoricalUsageRecord{}
	for rows.Next() {
		r, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return records, nil
}

// GetLatestUsageForProvider reads the latest projection for one provider.
func (s *SQLiteStorage) GetLatestUsageForProvider(ctx context.Context, providerID string) (HistoricalUsageRecord, bool) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			0, l.provider_id, p.provider_name, l.usage, l.usage_limit,
			p.usage_unit, p.is_quota_based, l.timestamp, l.next_reset_time
		FROM latest_usage l
		JOIN providers p ON p.provider_id = l.provider_id
		WHERE l.provider_id = ?
	`, providerID)

	record, err := scanHistory(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.WithError(err).WithField("provider_id", providerID).Warn("Failed to read latest usage")
		}
		return HistoricalUsageRecord{}, false
	}
	return record, true
}

// CleanupOldRecords deletes history rows older than now minus retentionDays.
func (s *SQLiteStorage) CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -retentionDays)

	result, err := s.db.ExecContext(ctx, "DELETE FROM usage_history WHERE timestamp < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup records: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if deleted > 0 {
		log.WithFields(log.Fields{
			"deleted":        deleted,
			"cutoff":         cutoff,
			"retention_days": retentionDays,
		}).Info("Cleaned up old usage records")
	}
	return deleted, nil
}

// GetRecordCount returns the number of history rows.
func (s *SQLiteStorage) GetRecordCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM usage_history").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get record count: %w", err)
	}
	return count, nil
}

// InsertResetEvent appends a reset event. A missing id gets a generated one.
func (s *SQLiteStorage) InsertResetEvent(ctx context.Context, event ResetEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reset_events (id, provider_id, provider_name, previous_usage, new_usage, reset_type, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.ProviderID, event.ProviderName,
		nullableFloat(event.PreviousUsage), nullableFloat(event.NewUsage),
		event.ResetType, event.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert reset event: %w", err)
	}
	return nil
}

// GetResetEvents lists reset events, newest first, optionally for one provider.
func (s *SQLiteStorage) GetResetEvents(ctx context.Context, providerID string) []ResetEvent {
	query := `
		SELECT id, provider_id, provider_name, previous_usage, new_usage, reset_type, timestamp
		FROM reset_events
	`
	args := []interface{}{}
	if providerID != "" {
		query += " WHERE provider_id = ?"
		args = append(args, providerID)
	}
	query += " ORDER BY timestamp DESC"

	events := []ResetEvent{}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.WithError(err).Warn("Failed to query reset events")
		return events
	}
	defer rows.Close()

	for rows.Next() {
		var e ResetEvent
		var prev, next sql.NullFloat64
		var ts int64
		if err := rows.Scan(&e.ID, &e.ProviderID, &e.ProviderName, &prev, &next, &e.ResetType, &ts); err != nil {
			log.WithError(err).Warn("Failed to scan reset event")
			return []ResetEvent{}
		}
		e.PreviousUsage = floatPtr(prev)
		e.NewUsage = floatPtr(next)
		e.Timestamp = time.Unix(ts, 0).UTC()
		events = append(events, e)
	}
	return events
}

// InsertRawResponse appends an upstream response body to the audit log.
func (s *SQLiteStorage) InsertRawResponse(ctx context.Context, providerID, body string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_responses (id, provider_id, timestamp, response_body)
		VALUES (?, ?, ?, ?)
	`, uuid.NewString(), providerID, s.now().Unix(), body)
	if err != nil {
		return fmt.Errorf("failed to insert raw response: %w", err)
	}
	return nil
}

// GetRawResponses lists audit entries, newest first, optionally for one provider.
func (s *SQLiteStorage) GetRawResponses(ctx context.Context, providerID string, limit int) []RawResponse {
	query := "SELECT id, provider_id, timestamp, response_body FROM raw_responses"
	args := []interface{}{}
	if providerID != "" {
		query += " WHERE provider_id = ?"
		args = append(args, providerID)
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	responses := []RawResponse{}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.WithError(err).Warn("Failed to query raw responses")
		return responses
	}
	defer rows.Close()

	for rows.Next() {
		var r RawResponse
		var ts int64
		if err := rows.Scan(&r.ID, &r.ProviderID, &ts, &r.ResponseBody); err != nil {
			log.WithError(err).Warn("Failed to scan raw response")
			return []RawResponse{}
		}
		r.Timestamp = time.Unix(ts, 0).UTC()
		responses = append(responses, r)
	}
	return responses
}

// CleanupRawResponses deletes audit entries older than RawResponseRetention.
func (s *SQLiteStorage) CleanupRawResponses(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-RawResponseRetention)

	result, err := s.db.ExecContext(ctx, "DELETE FROM raw_responses WHERE timestamp < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup raw responses: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if deleted > 0 {
		log.WithField("deleted", deleted).Debug("Cleaned up raw responses")
	}
	return deleted, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanHistory(row scanner) (HistoricalUsageRecord, error) {
	var r HistoricalUsageRecord
	var limit sql.NullFloat64
	var ts int64
	var reset sql.NullInt64

	if err := row.Scan(
		&r.ID, &r.ProviderID, &r.ProviderName, &r.Usage, &limit,
		&r.UsageUnit, &r.IsQuotaBased, &ts, &reset,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan record: %w", err)
	}

	r.Limit = floatPtr(limit)
	r.Timestamp = time.Unix(ts, 0).UTC()
	if reset.Valid {
		t := time.Unix(reset.Int64, 0).UTC()
		r.NextResetTime = &t
	}
	return r, nil
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableUnix(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
