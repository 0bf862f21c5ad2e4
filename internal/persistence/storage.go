// Package persistence provides the embedded time-series store for provider usage.
// It keeps normalized provider metadata, an upserted usage history, a
// one-row-per-provider latest projection, reset events and a short-lived raw
// response audit log.
package persistence

import (
	"context"
	"time"
)

// RawResponseRetention is the fixed age after which raw responses are swept.
const RawResponseRetention = 24 * time.Hour

// HistoricalUsageRecord is one persisted usage sample, unique per (ProviderID, Timestamp).
type HistoricalUsageRecord struct {
	ID            int64      `json:"id"`
	ProviderID    string     `json:"provider_id"`
	ProviderName  string     `json:"provider_name"`
	Usage         float64    `json:"usage"`
	Limit         *float64   `json:"limit,omitempty"`
	UsageUnit     string     `json:"usage_unit"`
	IsQuotaBased  bool       `json:"is_quota_based"`
	Timestamp     time.Time  `json:"timestamp"`
	NextResetTime *time.Time `json:"next_reset_time,omitempty"`
}

// UsagePercentage derives usage as a percentage of the limit, or 0 without a positive limit.
func (r HistoricalUsageRecord) UsagePercentage() float64 {
	if r.Limit == nil || *r.Limit <= 0 {
		return 0
	}
	return r.Usage / *r.Limit * 100
}

// ResetEvent records a detected quota or balance reset. Events are append-only.
type ResetEvent struct {
	ID            string    `json:"id"`
	ProviderID    string    `json:"provider_id"`
	ProviderName  string    `json:"provider_name"`
	PreviousUsage *float64  `json:"previous_usage,omitempty"`
	NewUsage      *float64  `json:"new_usage,omitempty"`
	ResetType     string    `json:"reset_type"`
	Timestamp     time.Time `json:"timestamp"`
}

// RawResponse is an audit copy of an upstream response body.
type RawResponse struct {
	ID           string    `json:"id"`
	ProviderID   string    `json:"provider_id"`
	Timestamp    time.Time `json:"timestamp"`
	ResponseBody string    `json:"response_body"`
}

// QueryFilter narrows a history query. Zero values mean "no constraint".
type QueryFilter struct {
	ProviderID string
	From       *time.Time
	To         *time.Time
	Limit      int
}

// Storage is the contract of the usage store.
// Read methods never fail: errors are logged and an empty result is returned.
// Write methods return errors to the caller.
type Storage interface {
	// Usage history
	InsertUsageRecord(ctx context.Context, record HistoricalUsageRecord) error
	GetAllUsageRecords(ctx context.Context) []HistoricalUsageRecord
	GetUsageRecordsByProvider(ctx context.Context, providerID string) []HistoricalUsageRecord
	GetUsageRecordsByTimeRange(ctx context.Context, from, to time.Time) []HistoricalUsageRecord
	GetLatestUsageRecords(ctx context.Context, limit int) []HistoricalUsageRecord
	QueryUsageRecords(ctx context.Context, filter QueryFilter) []HistoricalUsageRecord
	GetLatestUsageForProvider(ctx context.Context, providerID string) (HistoricalUsageRecord, bool)
	CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error)
	GetRecordCount(ctx context.Context) (int64, error)

	// Reset events
	InsertResetEvent(ctx context.Context, event ResetEvent) error
	GetResetEvents(ctx context.Context, providerID string) []ResetEvent

	// Raw response audit log
	InsertRawResponse(ctx context.Context, providerID, body string) error
	GetRawResponses(ctx context.Context, providerID string, limit int) []RawResponse
	CleanupRawResponses(ctx context.Context) (int64, error)

	Close() error
}
