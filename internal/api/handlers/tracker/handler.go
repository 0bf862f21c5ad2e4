// Package tracker provides the HTTP handlers of the usage tracker agent.
// It serves the cached aggregate, forced refreshes, discovery results,
// persisted history and the runtime configuration.
package tracker

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ai-consumption-tracker/aict/internal/config"
	"github.com/ai-consumption-tracker/aict/internal/discovery"
	"github.com/ai-consumption-tracker/aict/internal/persistence"
	"github.com/ai-consumption-tracker/aict/internal/usage"
)

// UsageSource is the aggregate view served by the API.
type UsageSource interface {
	GetAllUsage(ctx context.Context, force bool) []usage.UsageRecord
	Lookup(providerID string) (usage.UsageRecord, bool)
}

// ConfigStore reads and writes provider configs and preferences.
type ConfigStore interface {
	LoadPrimaryConfig() []usage.ProviderConfig
	LoadConfig() []usage.ProviderConfig
	SaveConfig(configs []usage.ProviderConfig) error
	LoadPreferences() usage.AppPreferences
	SavePreferences(prefs usage.AppPreferences) error
}

// Dependencies groups everything a Handler serves from.
type Dependencies struct {
	Usage    UsageSource
	Recorder *persistence.Recorder
	Configs  ConfigStore
	Snapshot *discovery.Snapshot
	Settings *config.SettingsStore
	Config   *config.Config
	Version  string
}

// Handler serves the tracker API.
type Handler struct {
	usage    UsageSource
	recorder *persistence.Recorder
	storage  persistence.Storage
	configs  ConfigStore
	snapshot *discovery.Snapshot
	settings *config.SettingsStore
	cfg      *config.Config
	version  string
	started  time.Time
}

// NewHandler creates a Handler.
//
// Parameters:
//   - deps: Usage source, recorder, config store, discovery snapshot and settings
//
// Returns:
//   - *Handler: The handler, with its uptime clock started
func NewHandler(deps Dependencies) *Handler {
	snapshot := deps.Snapshot
	if snapshot == nil {
		snapshot = &discovery.Snapshot{}
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Handler{
		usage:    deps.Usage,
		recorder: deps.Recorder,
		storage:  deps.Recorder.Storage(),
		configs:  deps.Configs,
		snapshot: snapshot,
		settings: deps.Settings,
		cfg:      cfg,
		version:  deps.Version,
		started:  time.Now(),
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// AgentInfoResponse is the body of GET /api/agent/info.
type AgentInfoResponse struct {
	Version          string `json:"version"`
	AgentPath        string `json:"agent_path"`
	WorkingDirectory string `json:"working_directory"`
	DatabasePath     string `json:"database_path"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

// GetHealth handles GET /health requests.
func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		UptimeSeconds: h.uptime(),
	})
}

// GetAgentInfo handles GET /api/agent/info requests.
func (h *Handler) GetAgentInfo(c *gin.Context) {
	exe, err := os.Executable()
	if err != nil {
		log.WithError(err).Debug("Failed to resolve executable path")
	}
	wd, err := os.Getwd()
	if err != nil {
		log.WithError(err).Debug("Failed to resolve working directory")
	}

	c.JSON(http.StatusOK, AgentInfoResponse{
		Version:          h.version,
		AgentPath:        exe,
		WorkingDirectory: wd,
		DatabasePath:     h.cfg.DatabasePath,
		UptimeSeconds:    h.uptime(),
	})
}

func (h *Handler) uptime() int64 {
	return int64(time.Since(h.started).Seconds())
}

// RegisterRoutes registers the tracker API on router.
// /health is public; everything under /api passes auth first, and the forced
// refresh additionally passes refreshGuard.
func (h *Handler) RegisterRoutes(router *gin.Engine, auth, refreshGuard gin.HandlerFunc) {
	router.GET("/health", h.GetHealth)

	api := router.Group("/api", auth)
	{
		api.GET("/providers/usage", h.GetUsage)
		api.POST("/providers/usage/refresh", refreshGuard, h.RefreshUsage)
		api.GET("/providers/discovered", h.GetDiscovered)
		api.GET("/providers/:id/usage", h.GetProviderUsage)
		api.PUT("/providers/:id", h.PutProvider)
		api.DELETE("/providers/:id", h.DeleteProvider)
		api.POST("/discover", h.Discover)

		api.GET("/history", h.GetHistory)
		api.GET("/raw_responses", h.GetRawResponses)
		api.GET("/reset_events", h.GetResetEvents)

		api.GET("/config", h.GetConfig)
		api.POST("/config", h.UpdateConfig)
		api.POST("/config/providers", h.SaveProviders)
		api.GET("/preferences", h.GetPreferences)
		api.POST("/preferences", h.SavePreferences)

		api.GET("/agent/info", h.GetAgentInfo)
	}

	log.WithFields(log.Fields{
		"prefix":       "/api",
		"auth_enabled": h.cfg.Auth.Username != "",
	}).Info("Tracker API registered")
}

// nonNil keeps empty results encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
