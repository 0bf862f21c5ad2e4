// Package manager hosts the aggregation coordinator: it fans one adapter call
// out per provider config, merges the results and serves them from a
// read-through snapshot cache.
package manager

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ai-consumption-tracker/aict/internal/provider"
	"github.com/ai-consumption-tracker/aict/internal/usage"
	"github.com/ai-consumption-tracker/aict/internal/util"
)

const (
	// DefaultTaskTimeout bounds a single adapter call.
	DefaultTaskTimeout = 30 * time.Second

	// SystemAuthSource marks injected system provider configs.
	SystemAuthSource = "System"

	refreshKey = "refresh"
)

// ConfigSource supplies provider configs for a refresh.
type ConfigSource interface {
	LoadPrimaryConfig() []usage.ProviderConfig
}

// Coordinator owns the usage snapshot and the global single-flight refresh gate.
// All refreshes system-wide share one in-flight call.
type Coordinator struct {
	source      ConfigSource
	providers   []provider.Provider
	systemIDs   []string
	taskTimeout time.Duration

	group    singleflight.Group
	snapshot atomic.Pointer[[]usage.UsageRecord]
	lastRun  atomic.Pointer[time.Time]
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithTaskTimeout sets the per-adapter timeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.taskTimeout = d
		}
	}
}

// WithSystemProviders overrides the provider ids that are always fetched.
func WithSystemProviders(ids ...string) Option {
	return func(c *Coordinator) {
		c.systemIDs = ids
	}
}

// NewCoordinator creates a coordinator over the given adapters.
//
// Parameters:
//   - source: Config discovery used on every refresh (fast path)
//   - providers: The adapter set; a GenericID adapter serves the fallback
//   - opts: Optional settings
//
// Returns:
//   - *Coordinator: The coordinator with an empty cache
func NewCoordinator(source ConfigSource, providers []provider.Provider, opts ...Option) *Coordinator {
	c := &Coordinator{
		source:      source,
		providers:   providers,
		systemIDs:   provider.SystemProviderIDs,
		taskTimeout: DefaultTaskTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetAllUsage returns the aggregate usage. Without force it serves a non-empty
// cached snapshot; otherwise it refreshes through the single-flight gate, so
// concurrent callers share one refresh and its result.
func (c *Coordinator) GetAllUsage(ctx context.Context, force bool) []usage.UsageRecord {
	if !force {
		if cached := c.Cached(); len(cached) > 0 {
			return cached
		}
	}

	v, _, shared := c.group.Do(refreshKey, func() (interface{}, error) {
		// Waiters share this call, so one caller's cancellation must not abort it.
		return c.refresh(context.WithoutCancel(ctx)), nil
	})
	if shared {
		log.Debug("Joined in-flight usage refresh")
	}
	return slices.Clone(v.([]usage.UsageRecord))
}

// Cached returns a copy of the current snapshot, or nil before the first refresh.
func (c *Coordinator) Cached() []usage.UsageRecord {
	p := c.snapshot.Load()
	if p == nil {
		return nil
	}
	return slices.Clone(*p)
}

// Lookup returns the first cached record whose provider id matches, ignoring case.
func (c *Coordinator) Lookup(providerID string) (usage.UsageRecord, bool) {
	p := c.snapshot.Load()
	if p == nil {
		return usage.UsageRecord{}, false
	}
	for _, rec := range *p {
		if strings.EqualFold(rec.ProviderID, providerID) {
			return rec, true
		}
	}
	return usage.UsageRecord{}, false
}

// LastRefresh reports when the snapshot was last replaced.
func (c *Coordinator) LastRefresh() (time.Time, bool) {
	p := c.lastRun.Load()
	if p == nil {
		return time.Time{}, false
	}
	return *p, true
}

func (c *Coordinator) refresh(ctx context.Context) []usage.UsageRecord {
	start := time.Now()
	configs := c.withSystemProviders(c.source.LoadPrimaryConfig())

	results := make([][]usage.UsageRecord, len(configs))
	var g errgroup.Group
	for i, cfg := range configs {
		g.Go(func() error {
			results[i] = c.fetch(ctx, cfg)
			return nil
		})
	}
	_ = g.Wait()

	merged := make([]usage.UsageRecord, 0, len(configs))
	for i, recs := range results {
		for _, rec := range recs {
			rec.AuthSource = configs[i].AuthSource
			merged = append(merged, rec)
		}
	}

	c.snapshot.Store(&merged)
	now := time.Now()
	c.lastRun.Store(&now)

	log.WithFields(log.Fields{
		"configs":  len(configs),
		"records":  len(merged),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Usage refresh completed")
	return merged
}

// withSystemProviders appends a config for every system provider not already configured.
func (c *Coordinator) withSystemProviders(configs []usage.ProviderConfig) []usage.ProviderConfig {
	out := slices.Clone(configs)
	for _, id := range c.systemIDs {
		if slices.ContainsFunc(out, func(cfg usage.ProviderConfig) bool { return cfg.Matches(id) }) {
			continue
		}
		out = append(out, usage.ProviderConfig{
			ProviderID: id,
			ConfigType: usage.TypeQuota,
			AuthSource: SystemAuthSource,
		})
	}
	return out
}

// fetch runs one adapter under the task timeout. A panic becomes a log entry and no records.
func (c *Coordinator) fetch(ctx context.Context, cfg usage.ProviderConfig) (records []usage.UsageRecord) {
	fields := log.Fields{"provider_id": cfg.ProviderID, "key": util.HideAPIKey(cfg.APIKey)}
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(fields).WithField("panic", fmt.Sprint(r)).Errorf("Provider fetch panicked\n%s", debug.Stack())
			records = nil
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.taskTimeout)
	defer cancel()

	p := c.match(cfg)
	if p == nil {
		log.WithFields(fields).Debug("No adapter for provider, using placeholder")
		return []usage.UsageRecord{placeholder(cfg)}
	}

	records = p.FetchUsage(ctx, cfg)
	log.WithFields(fields).WithField("records", len(records)).Debug("Provider fetch finished")
	return records
}

// match picks the adapter for cfg: exact id, then "anthropic" for any claude id,
// then the generic adapter for api and pay-as-you-go types.
func (c *Coordinator) match(cfg usage.ProviderConfig) provider.Provider {
	id := strings.ToLower(cfg.ProviderID)
	var generic provider.Provider
	for _, p := range c.providers {
		switch {
		case strings.EqualFold(p.ID(), id):
			return p
		case p.ID() == "anthropic" && strings.Contains(id, "claude"):
			return p
		case p.ID() == provider.GenericID:
			generic = p
		}
	}
	switch strings.ToLower(cfg.ConfigType) {
	case usage.TypePayAsYouGo, usage.TypeAPI:
		return generic
	}
	return nil
}

func placeholder(cfg usage.ProviderConfig) usage.UsageRecord {
	return usage.UsageRecord{
		ProviderID:   cfg.ProviderID,
		ProviderName: util.DisplayName(cfg.ProviderID),
		PaymentType:  usage.UsageBased,
		UsageUnit:    "USD",
		IsAvailable:  true,
		Description:  "Connected (Generic)",
	}
}
