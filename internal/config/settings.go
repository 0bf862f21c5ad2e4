package config

import (
	"errors"
	"sync"
)

// RefreshSettings is the runtime-adjustable part of the scheduler configuration.
type RefreshSettings struct {
	RefreshIntervalMinutes int  `json:"refresh_interval_minutes"`
	AutoRefreshEnabled     bool `json:"auto_refresh_enabled"`
}

// Validate rejects non-positive intervals.
func (s RefreshSettings) Validate() error {
	if s.RefreshIntervalMinutes <= 0 {
		return errors.New("refresh_interval_minutes must be positive")
	}
	return nil
}

// SettingsStore guards RefreshSettings shared by the scheduler and the API.
type SettingsStore struct {
	mu       sync.RWMutex
	settings RefreshSettings
}

// NewSettingsStore seeds the store from the scheduler configuration.
func NewSettingsStore(cfg SchedulerConfig) *SettingsStore {
	return &SettingsStore{settings: RefreshSettings{
		RefreshIntervalMinutes: cfg.RefreshIntervalMinutes,
		AutoRefreshEnabled:     cfg.AutoRefresh,
	}}
}

// Get returns a copy of the current settings.
func (s *SettingsStore) Get() RefreshSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update replaces the settings after validation.
func (s *SettingsStore) Update(next RefreshSettings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.settings = next
	s.mu.Unlock()
	return nil
}
