package discovery

import (
	"slices"
	"sync"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

// Snapshot holds the most recent full discovery result served to clients.
type Snapshot struct {
	mu      sync.RWMutex
	configs []usage.ProviderConfig
	loaded  bool
}

// Set replaces the stored result.
func (s *Snapshot) Set(configs []usage.ProviderConfig) {
	s.mu.Lock()
	s.configs = slices.Clone(configs)
	s.loaded = true
	s.mu.Unlock()
}

// Get returns a copy of the stored result and whether discovery has completed once.
func (s *Snapshot) Get() ([]usage.ProviderConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.configs), s.loaded
}
