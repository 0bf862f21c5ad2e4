package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

// ResetTypeQuota marks a drop in a quota-based provider's usage.
const ResetTypeQuota = "quota_reset"

// Recorder converts aggregate usage records into persisted history rows.
type Recorder struct {
	storage Storage
	now     func() time.Time
}

// NewRecorder creates a recorder writing to storage.
func NewRecorder(storage Storage) *Recorder {
	return &Recorder{storage: storage, now: time.Now}
}

// Storage returns the underlying store.
func (r *Recorder) Storage() Storage {
	if r == nil {
		return nil
	}
	return r.storage
}

// Record persists every record with IsAvailable && CostUsed > 0, stamped with
// one shared timestamp. Each failure is logged and the rest still persist.
//
// Returns:
//   - int: Number of records stored
//   - error: All insert failures joined, or nil
func (r *Recorder) Record(ctx context.Context, records []usage.UsageRecord) (int, error) {
	if r == nil || r.storage == nil {
		return 0, nil
	}

	now := r.now()
	stored := 0
	var errs []error

	for _, rec := range records {
		if !rec.IsAvailable || rec.CostUsed <= 0 {
			continue
		}

		r.detectReset(ctx, rec, now)

		if err := r.storage.InsertUsageRecord(ctx, convertRecord(rec, now)); err != nil {
			log.WithError(err).WithField("provider_id", rec.ProviderID).Error("Failed to insert usage record")
			errs = append(errs, fmt.Errorf("%s: %w", rec.ProviderID, err))
			continue
		}
		stored++

		if rec.RawResponse != "" {
			if err := r.storage.InsertRawResponse(ctx, rec.ProviderID, rec.RawResponse); err != nil {
				log.WithError(err).WithField("provider_id", rec.ProviderID).Error("Failed to store raw response")
			}
		}
	}

	log.WithFields(log.Fields{
		"received": len(records),
		"stored":   stored,
	}).Debug("Usage records persisted")

	return stored, errors.Join(errs...)
}

// detectReset appends a ResetEvent when a quota-based provider's usage falls
// below the value in the latest projection.
func (r *Recorder) detectReset(ctx context.Context, rec usage.UsageRecord, now time.Time) {
	if !rec.IsQuotaBased {
		return
	}
	prev, ok := r.storage.GetLatestUsageForProvider(ctx, rec.ProviderID)
	if !ok || rec.CostUsed >= prev.Usage {
		return
	}

	event := ResetEvent{
		ID:            uuid.NewString(),
		ProviderID:    rec.ProviderID,
		ProviderName:  rec.ProviderName,
		PreviousUsage: usage.Float(prev.Usage),
		NewUsage:      usage.Float(rec.CostUsed),
		ResetType:     ResetTypeQuota,
		Timestamp:     now,
	}
	if err := r.storage.InsertResetEvent(ctx, event); err != nil {
		log.WithError(err).WithField("provider_id", rec.ProviderID).Warn("Failed to record reset event")
		return
	}
	log.WithFields(log.Fields{
		"provider_id": rec.ProviderID,
		"previous":    prev.Usage,
		"current":     rec.CostUsed,
	}).Info("Usage reset detected")
}

// convertRecord maps an aggregate record to its persisted form.
func convertRecord(rec usage.UsageRecord, ts time.Time) HistoricalUsageRecord {
	return HistoricalUsageRecord{
		ProviderID:    rec.ProviderID,
		ProviderName:  rec.ProviderName,
		Usage:         rec.CostUsed,
		Limit:         usage.Float(rec.CostLimit),
		UsageUnit:     rec.UsageUnit,
		IsQuotaBased:  rec.IsQuotaBased,
		Timestamp:     ts,
		NextResetTime: rec.NextResetTime,
	}
}
