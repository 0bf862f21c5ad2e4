package tracker

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ai-consumption-tracker/aict/internal/discovery"
	"github.com/ai-consumption-tracker/aict/internal/usage"
)

// GetConfig handles GET /api/config requests.
func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings.Get())
}

// UpdateConfig handles POST /api/config requests.
// Fields missing from the body keep their current values.
func (h *Handler) UpdateConfig(c *gin.Context) {
	next := h.settings.Get()
	if err := c.ShouldBindJSON(&next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}
	if err := h.settings.Update(next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	log.WithFields(log.Fields{
		"refresh_interval_minutes": next.RefreshIntervalMinutes,
		"auto_refresh_enabled":     next.AutoRefreshEnabled,
	}).Info("Scheduler settings updated")
	c.JSON(http.StatusOK, next)
}

// SaveProviders handles POST /api/config/providers requests.
func (h *Handler) SaveProviders(c *gin.Context) {
	var configs []usage.ProviderConfig
	if err := c.ShouldBindJSON(&configs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}
	h.saveProviders(c, configs)
}

// PutProvider handles PUT /api/providers/:id requests.
func (h *Handler) PutProvider(c *gin.Context) {
	var cfg usage.ProviderConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}
	cfg.ProviderID = discovery.NormalizeID(c.Param("id"))

	configs := h.configs.LoadPrimaryConfig()
	if i := slices.IndexFunc(configs, func(p usage.ProviderConfig) bool { return p.Matches(cfg.ProviderID) }); i >= 0 {
		configs[i] = cfg
	} else {
		configs = append(configs, cfg)
	}
	h.saveProviders(c, configs)
}

// DeleteProvider handles DELETE /api/providers/:id requests.
func (h *Handler) DeleteProvider(c *gin.Context) {
	id := discovery.NormalizeID(c.Param("id"))
	configs := h.configs.LoadPrimaryConfig()

	if !slices.ContainsFunc(configs, func(p usage.ProviderConfig) bool { return p.Matches(id) }) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "provider not configured: " + id,
		})
		return
	}
	h.saveProviders(c, slices.DeleteFunc(configs, func(p usage.ProviderConfig) bool { return p.Matches(id) }))
}

func (h *Handler) saveProviders(c *gin.Context, configs []usage.ProviderConfig) {
	if err := h.configs.SaveConfig(configs); err != nil {
		log.WithError(err).Error("Failed to save provider configuration")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to save configuration: " + err.Error(),
		})
		return
	}
	h.discover()
	c.JSON(http.StatusOK, nonNil(h.configs.LoadPrimaryConfig()))
}

// GetPreferences handles GET /api/preferences requests.
func (h *Handler) GetPreferences(c *gin.Context) {
	c.JSON(http.StatusOK, h.configs.LoadPreferences())
}

// SavePreferences handles POST /api/preferences requests.
func (h *Handler) SavePreferences(c *gin.Context) {
	prefs := h.configs.LoadPreferences()
	if err := c.ShouldBindJSON(&prefs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}
	if err := h.configs.SavePreferences(prefs); err != nil {
		log.WithError(err).Error("Failed to save preferences")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to save preferences: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, prefs)
}
