// Package scheduler drives periodic forced refreshes and persists their results.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ai-consumption-tracker/aict/internal/config"
	"github.com/ai-consumption-tracker/aict/internal/persistence"
	"github.com/ai-consumption-tracker/aict/internal/usage"
)

// Refresher produces the aggregate usage.
type Refresher interface {
	GetAllUsage(ctx context.Context, force bool) []usage.UsageRecord
}

// Scheduler checks on every tick whether a refresh is due and, if so, refreshes,
// persists qualifying records and prunes the store.
type Scheduler struct {
	refresher     Refresher
	recorder      *persistence.Recorder
	settings      *config.SettingsStore
	tick          time.Duration
	retentionDays int

	now     func() time.Time
	lastRun atomic.Pointer[time.Time]
}

// New creates a scheduler.
//
// Parameters:
//   - refresher: The coordinator
//   - recorder: Persists refresh results; its store also answers the due check
//   - settings: Live refresh settings, re-read on every tick
//   - tick: Fixed check period, independent of the refresh interval
//   - retentionDays: History retention applied after each refresh
func New(refresher Refresher, recorder *persistence.Recorder, settings *config.SettingsStore, tick time.Duration, retentionDays int) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		refresher:     refresher,
		recorder:      recorder,
		settings:      settings,
		tick:          tick,
		retentionDays: retentionDays,
		now:           time.Now,
	}
}

// Run ticks until ctx is done. A failing iteration is logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	log.WithField("tick", s.tick).Info("Scheduler started")
	for {
		select {
		case <-ctx.Done():
			log.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.safeRunOnce(ctx); err != nil {
				log.WithError(err).Error("Scheduler iteration failed")
			}
		}
	}
}

func (s *Scheduler) safeRunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler iteration panicked: %v", r)
		}
	}()
	s.RunOnce(ctx)
	return nil
}

// RunOnce performs one tick. It reports whether a refresh ran.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	settings := s.settings.Get()
	if !settings.AutoRefreshEnabled {
		return false
	}
	interval := time.Duration(settings.RefreshIntervalMinutes) * time.Minute
	if !s.due(ctx, interval) {
		return false
	}

	records := s.refresher.GetAllUsage(ctx, true)
	now := s.now()
	s.lastRun.Store(&now)

	stored, err := s.recorder.Record(ctx, records)
	if err != nil {
		log.WithError(err).Warn("Some usage records were not persisted")
	}
	persistence.RunCleanup(ctx, s.recorder.Storage(), s.retentionDays)

	log.WithFields(log.Fields{
		"records": len(records),
		"stored":  stored,
	}).Info("Scheduled refresh completed")
	return true
}

// due compares the newest persisted record, or this scheduler's last run when
// newer, against interval. No history at all is immediately due.
func (s *Scheduler) due(ctx context.Context, interval time.Duration) bool {
	var last time.Time
	if latest := s.recorder.Storage().GetLatestUsageRecords(ctx, 1); len(latest) > 0 {
		last = latest[0].Timestamp
	}
	if p := s.lastRun.Load(); p != nil && p.After(last) {
		last = *p
	}
	if last.IsZero() {
		return true
	}
	return s.now().Sub(last) >= interval
}
