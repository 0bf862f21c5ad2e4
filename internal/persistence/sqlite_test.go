package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	storage, err := NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("Failed to parse %q: %v", s, err)
	}
	return ts
}

func limitOf(v float64) *float64 { return &v }

func TestNewSQLiteStorage(t *testing.T) {
	storage, err := NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("Failed to create SQLite storage: %v", err)
	}
	defer storage.Close()

	if storage == nil {
		t.Fatal("Expected storage to be non-nil")
	}
}

func TestNewSQLiteStorageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	storage, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("Failed to create file storage: %v", err)
	}
	defer storage.Close()

	ctx := context.Background()
	if err := storage.InsertUsageRecord(ctx, HistoricalUsageRecord{
		ProviderID: "openai", ProviderName: "OpenAI", Usage: 1, Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("Failed to insert record: %v", err)
	}
	count, err := storage.GetRecordCount(ctx)
	if err != nil {
		t.Fatalf("Failed to get count: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected count 1, got %d", count)
	}
}

func TestInsertUsageRecordUpsert(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	ts := mustParse(t, "2026-02-09T10:00:00Z")

	first := HistoricalUsageRecord{ProviderID: "openai", ProviderName: "OpenAI", Usage: 10, Limit: limitOf(100), UsageUnit: "USD", Timestamp: ts}
	second := first
	second.Usage = 20

	if err := storage.InsertUsageRecord(ctx, first); err != nil {
		t.Fatalf("Failed to insert first record: %v", err)
	}
	if err := storage.InsertUsageRecord(ctx, second); err != nil {
		t.Fatalf("Failed to insert second record: %v", err)
	}

	records := storage.GetUsageRecordsByProvider(ctx, "openai")
	if len(records) != 1 {
		t.Fatalf("Expected 1 record after upsert, got %d", len(records))
	}
	if records[0].Usage != 20 {
		t.Errorf("Expected second write to win with usage 20, got %v", records[0].Usage)
	}

	latest, ok := storage.GetLatestUsageForProvider(ctx, "openai")
	if !ok {
		t.Fatal("Expected latest projection row")
	}
	if latest.Usage != 20 {
		t.Errorf("Expected latest usage 20, got %v", latest.Usage)
	}
}

func TestEndToEndHistory(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if err := storage.InsertUsageRecord(ctx, HistoricalUsageRecord{
		ProviderID: "openai", ProviderName: "OpenAI", Usage: 50, Limit: limitOf(100),
		UsageUnit: "USD", Timestamp: mustParse(t, "2026-02-09T10:00:00Z"),
	}); err != nil {
		t.Fatalf("Failed to insert record: %v", err)
	}

	all := storage.GetAllUsageRecords(ctx)
	if len(all) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(all))
	}
	if pct := all[0].UsagePercentage(); pct != 50 {
		t.Errorf("Expected usage percentage 50, got %v", pct)
	}

	if err := storage.InsertUsageRecord(ctx, HistoricalUsageRecord{
		ProviderID: "openai", ProviderName: "OpenAI", Usage: 75, Limit: limitOf(100),
		UsageUnit: "USD", Timestamp: mustParse(t, "2026-02-09T11:00:00Z"),
	}); err != nil {
		t.Fatalf("Failed to insert record: %v", err)
	}

	all = storage.GetAllUsageRecords(ctx)
	if len(all) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(all))
	}
	if all[0].Usage != 75 || all[1].Usage != 50 {
		t.Errorf("Expected newest-first order [75 50], got [%v %v]", all[0].Usage, all[1].Usage)
	}

	latest := storage.GetLatestUsageRecords(ctx, 1)
	if len(latest) != 1 || latest[0].Usage != 75 {
		t.Errorf("Expected only the 75.0 row, got %+v", latest)
	}
}

func TestQueryUsageRecordsFilters(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	base := mustParse(t, "2026-02-09T00:00:00Z")

	for i, id := range []string{"openai", "kimi", "openai", "kimi"} {
		if err := storage.InsertUsageRecord(ctx, HistoricalUsageRecord{
			ProviderID: id, ProviderName: id, Usage: float64(i + 1),
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatalf("Failed to insert record %d: %v", i, err)
		}
	}

	if got := storage.GetUsageRecordsByProvider(ctx, "kimi"); len(got) != 2 {
		t.Errorf("Expected 2 kimi records, got %d", len(got))
	}

	from, to := base.Add(time.Hour), base.Add(2*time.Hour)
	ranged := storage.GetUsageRecordsByTimeRange(ctx, from, to)
	if len(ranged) != 2 {
		t.Fatalf("Expected 2 records in range, got %d", len(ranged))
	}

	filtered := storage.QueryUsageRecords(ctx, QueryFilter{ProviderID: "openai", From: &from, Limit: 5})
	if len(filtered) != 1 || filtered[0].Usage != 3 {
		t.Errorf("Expected the single openai record at +2h, got %+v", filtered)
	}

	if got := storage.GetUsageRecordsByProvider(ctx, "missing"); len(got) != 0 {
		t.Errorf("Expected no records for unknown provider, got %d", len(got))
	}
}

func TestNullLimitAndResetTime(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	reset := mustParse(t, "2026-02-10T00:00:00Z")

	if err := storage.InsertUsageRecord(ctx, HistoricalUsageRecord{
		ProviderID: "kimi", ProviderName: "Kimi", Usage: 3, Timestamp: time.Now(), NextResetTime: &reset,
	}); err != nil {
		t.Fatalf("Failed to insert record: %v", err)
	}

	records := storage.GetAllUsageRecords(ctx)
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	if records[0].Limit != nil {
		t.Errorf("Expected nil limit, got %v", *records[0].Limit)
	}
	if records[0].NextResetTime == nil || !records[0].NextResetTime.Equal(reset) {
		t.Errorf("Expected reset time %v, got %v", reset, records[0].NextResetTime)
	}
	if records[0].UsagePercentage() != 0 {
		t.Errorf("Expected 0 percentage without limit, got %v", records[0].UsagePercentage())
	}
}

func TestCleanupOldRecords(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	for _, age := range []time.Duration{40 * 24 * time.Hour, 24 * time.Hour} {
		if err := storage.InsertUsageRecord(ctx, HistoricalUsageRecord{
			ProviderID: "openai", ProviderName: "OpenAI", Usage: 1, Timestamp: now.Add(-age),
		}); err != nil {
			t.Fatalf("Failed to insert record: %v", err)
		}
	}

	deleted, err := storage.CleanupOldRecords(ctx, 30)
	if err != nil {
		t.Fatalf("Failed to cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted record, got %d", deleted)
	}

	count, err := storage.GetRecordCount(ctx)
	if err != nil {
		t.Fatalf("Failed to get count: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 remaining record, got %d", count)
	}
}

func TestRawResponses(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	storage.now = func() time.Time { return now.Add(-25 * time.Hour) }
	if err := storage.InsertRawResponse(ctx, "openai", `{"old":true}`); err != nil {
		t.Fatalf("Failed to insert raw response: %v", err)
	}
	storage.now = func() time.Time { return now }
	if err := storage.InsertRawResponse(ctx, "openai", `{"new":true}`); err != nil {
		t.Fatalf("Failed to insert raw response: %v", err)
	}
	if err := storage.InsertRawResponse(ctx, "kimi", `{}`); err != nil {
		t.Fatalf("Failed to insert raw response: %v", err)
	}

	if got := storage.GetRawResponses(ctx, "openai", 10); len(got) != 2 {
		t.Fatalf("Expected 2 openai raw responses, got %d", len(got))
	}

	deleted, err := storage.CleanupRawResponses(ctx)
	if err != nil {
		t.Fatalf("Failed to cleanup raw responses: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted raw response, got %d", deleted)
	}

	remaining := storage.GetRawResponses(ctx, "", 0)
	if len(remaining) != 2 {
		t.Errorf("Expected 2 remaining raw responses, got %d", len(remaining))
	}
	for _, r := range remaining {
		if r.ResponseBody == `{"old":true}` {
			t.Error("Expected the 25h old response to be swept")
		}
	}
}

func TestResetEvents(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	events := []ResetEvent{
		{ID: "a", ProviderID: "kimi", ProviderName: "Kimi", PreviousUsage: limitOf(90), NewUsage: limitOf(0), ResetType: ResetTypeQuota},
		{ProviderID: "zai", ProviderName: "Z.AI", ResetType: ResetTypeQuota},
	}
	for _, e := range events {
		if err := storage.InsertResetEvent(ctx, e); err != nil {
			t.Fatalf("Failed to insert reset event: %v", err)
		}
	}

	if err := storage.InsertResetEvent(ctx, events[0]); err == nil {
		t.Error("Expected duplicate reset event id to be rejected")
	}

	kimi := storage.GetResetEvents(ctx, "kimi")
	if len(kimi) != 1 {
		t.Fatalf("Expected 1 kimi reset event, got %d", len(kimi))
	}
	if kimi[0].PreviousUsage == nil || *kimi[0].PreviousUsage != 90 {
		t.Errorf("Expected previous usage 90, got %v", kimi[0].PreviousUsage)
	}

	all := storage.GetResetEvents(ctx, "")
	if len(all) != 2 {
		t.Fatalf("Expected 2 reset events, got %d", len(all))
	}
	for _, e := range all {
		if e.ID == "" {
			t.Error("Expected generated id")
		}
	}
}

const legacySchema = `
CREATE TABLE usage_records (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL,
	provider_name TEXT NOT NULL,
	usage REAL NOT NULL,
	"limit" REAL,
	usage_unit TEXT NOT NULL,
	is_quota_based INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	next_reset_time TEXT
);
CREATE TABLE reset_events (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL,
	provider_name TEXT NOT NULL,
	previous_usage REAL,
	new_usage REAL,
	reset_type TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
INSERT INTO usage_records VALUES
	('1', 'openai', 'OpenAI', 10, 100, 'USD', 0, '2026-02-09T10:00:00+00:00', NULL),
	('2', 'openai', 'OpenAI', 20, 100, 'USD', 0, '2026-02-09T11:00:00+00:00', NULL),
	('3', 'kimi', 'Kimi', 5, 100, 'Points', 1, '2026-02-09T10:30:00.123456+00:00', '2026-02-10T00:00:00+00:00');
INSERT INTO reset_events VALUES
	('r1', 'kimi', 'Kimi', '', 0, 'quota_reset', '2026-02-09T09:00:00+00:00');
`

func seedLegacyDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Failed to open legacy db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(legacySchema); err != nil {
		t.Fatalf("Failed to seed legacy db: %v", err)
	}
	return path
}

type tableCounts struct {
	providers, history, latest, resets int64
}

func countTables(t *testing.T, s *SQLiteStorage) tableCounts {
	t.Helper()
	var c tableCounts
	for table, dst := range map[string]*int64{
		"providers":     &c.providers,
		"usage_history": &c.history,
		"latest_usage":  &c.latest,
		"reset_events":  &c.resets,
	} {
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(dst); err != nil {
			t.Fatalf("Failed to count %s: %v", table, err)
		}
	}
	return c
}

func TestLegacyMigration(t *testing.T) {
	path := seedLegacyDB(t)

	storage, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("Failed to open legacy db: %v", err)
	}
	defer storage.Close()
	ctx := context.Background()

	got := countTables(t, storage)
	want := tableCounts{providers: 2, history: 3, latest: 2, resets: 1}
	if got != want {
		t.Errorf("Expected counts %+v, got %+v", want, got)
	}

	latest, ok := storage.GetLatestUsageForProvider(ctx, "openai")
	if !ok || latest.Usage != 20 {
		t.Errorf("Expected latest openai usage 20, got %+v (ok=%v)", latest, ok)
	}
	if !latest.Timestamp.Equal(mustParse(t, "2026-02-09T11:00:00Z")) {
		t.Errorf("Expected epoch-converted timestamp, got %v", latest.Timestamp)
	}

	kimi := storage.GetUsageRecordsByProvider(ctx, "kimi")
	if len(kimi) != 1 || !kimi[0].IsQuotaBased || kimi[0].NextResetTime == nil {
		t.Errorf("Expected migrated kimi record with reset time, got %+v", kimi)
	}

	events := storage.GetResetEvents(ctx, "kimi")
	if len(events) != 1 || events[0].PreviousUsage != nil {
		t.Errorf("Expected one reset event with empty previous usage, got %+v", events)
	}

	legacy, err := storage.hasLegacySchema(ctx)
	if err != nil || legacy {
		t.Errorf("Expected legacy table to be retired, legacy=%v err=%v", legacy, err)
	}

	var renamed int
	if err := storage.db.QueryRow(
		"SELECT COUNT(*) FROM " + legacyRetiredTable).Scan(&renamed); err != nil {
		t.Fatalf("Expected retired legacy table to remain: %v", err)
	}
	if renamed != 3 {
		t.Errorf("Expected 3 rows kept in retired table, got %d", renamed)
	}
}

func TestLegacyMigrationIdempotent(t *testing.T) {
	once, err := NewSQLiteStorage(seedLegacyDB(t))
	if err != nil {
		t.Fatalf("Failed to migrate once: %v", err)
	}
	defer once.Close()
	want := countTables(t, once)

	// Crash after copying, before the rename: the next start copies again.
	path := seedLegacyDB(t)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	partial := &SQLiteStorage{db: db, path: path, now: time.Now}
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}
	if err := partial.copyLegacyRows(context.Background()); err != nil {
		t.Fatalf("Failed first copy: %v", err)
	}
	db.Close()

	twice, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("Failed to resume migration: %v", err)
	}
	defer twice.Close()

	if got := countTables(t, twice); got != want {
		t.Errorf("Expected counts %+v after resumed migration, got %+v", want, got)
	}

	// A further restart finds no legacy table and changes nothing.
	twice.Close()
	again, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer again.Close()
	if got := countTables(t, again); got != want {
		t.Errorf("Expected counts %+v after restart, got %+v", want, got)
	}
}
